// Package utils provides shared utility functions.
package utils

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatIndianCurrency formats an amount in Indian currency format (lakhs, crores).
func FormatIndianCurrency(amount decimal.Decimal) string {
	negative := amount.IsNegative()
	if negative {
		amount = amount.Neg()
	}

	// Format with 2 decimal places
	str := amount.StringFixed(2)
	parts := strings.Split(str, ".")
	intPart := parts[0]
	decPart := "00"
	if len(parts) == 2 {
		decPart = parts[1]
	}

	// Apply Indian numbering system
	formatted := formatIndianNumber(intPart)

	result := "₹" + formatted + "." + decPart
	if negative {
		result = "-" + result
	}
	return result
}

// formatIndianNumber formats an integer string in Indian numbering system.
func formatIndianNumber(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}

	// First group of 3 from right
	result := s[n-3:]
	s = s[:n-3]

	// Then groups of 2
	for len(s) > 0 {
		if len(s) >= 2 {
			result = s[len(s)-2:] + "," + result
			s = s[:len(s)-2]
		} else {
			result = s + "," + result
			s = ""
		}
	}

	return result
}

// FormatPnL formats P&L with an explicit sign.
func FormatPnL(pnl decimal.Decimal) string {
	formatted := FormatIndianCurrency(pnl)
	if pnl.IsPositive() {
		return "+" + formatted
	}
	return formatted
}

// FormatQuantity formats a quantity with Indian digit grouping.
func FormatQuantity(qty int64) string {
	if qty < 0 {
		return "-" + formatIndianNumber(fmt.Sprintf("%d", -qty))
	}
	return formatIndianNumber(fmt.Sprintf("%d", qty))
}
