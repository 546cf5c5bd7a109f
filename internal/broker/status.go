package broker

import (
	"strings"

	"options-executor/internal/models"
)

// StatusTable maps a broker's free-text order statuses onto canonical states.
type StatusTable map[string]models.OrderStatus

// kiteStatuses covers the order statuses documented for Kite Connect.
var kiteStatuses = StatusTable{
	"PUT ORDER REQ RECEIVED":    models.OrderPlaced,
	"VALIDATION PENDING":        models.OrderPlaced,
	"OPEN PENDING":              models.OrderPlaced,
	"AMO REQ RECEIVED":          models.OrderPlaced,
	"OPEN":                      models.OrderOpen,
	"TRIGGER PENDING":           models.OrderOpen,
	"MODIFY VALIDATION PENDING": models.OrderOpen,
	"MODIFY PENDING":            models.OrderOpen,
	"MODIFIED":                  models.OrderOpen,
	"CANCEL PENDING":            models.OrderOpen,
	"COMPLETE":                  models.OrderFilled,
	"CANCELLED":                 models.OrderCancelled,
	"CANCELLED AMO":             models.OrderCancelled,
	"REJECTED":                  models.OrderRejected,
	"LAPSED":                    models.OrderExpired,
}

// gatewayStatuses covers the gateway broker's lower-case status vocabulary.
var gatewayStatuses = StatusTable{
	"put order req received":                 models.OrderPlaced,
	"validation pending":                     models.OrderPlaced,
	"after market order req received":        models.OrderPlaced,
	"open pending":                           models.OrderPlaced,
	"open":                                   models.OrderOpen,
	"trigger pending":                        models.OrderOpen,
	"modify pending":                         models.OrderOpen,
	"modify after market order req received": models.OrderOpen,
	"not modified":                           models.OrderOpen,
	"cancel pending":                         models.OrderOpen,
	"not cancelled":                          models.OrderOpen,
	"partially filled":                       models.OrderPartiallyFilled,
	"complete":                               models.OrderFilled,
	"traded":                                 models.OrderFilled,
	"cancelled":                              models.OrderCancelled,
	"cancelled after market order":           models.OrderCancelled,
	"rejected":                               models.OrderRejected,
	"expired":                                models.OrderExpired,
}

// Map resolves raw to a canonical status. Lookup ignores case and
// surrounding space; unknown statuses report ok=false.
func (t StatusTable) Map(raw string) (models.OrderStatus, bool) {
	key := strings.TrimSpace(raw)
	if s, ok := t[key]; ok {
		return s, true
	}
	for k, s := range t {
		if strings.EqualFold(k, key) {
			return s, true
		}
	}
	return "", false
}

// resolveStatus maps raw and refines OPEN into PARTIALLY_FILLED when some
// but not all of the quantity has traded. Unknown statuses are kept OPEN so
// the order stays under reconciliation.
func resolveStatus(t StatusTable, raw string, quantity, filled int) models.OrderStatus {
	status, ok := t.Map(raw)
	if !ok {
		status = models.OrderOpen
	}
	if status == models.OrderOpen && filled > 0 && filled < quantity {
		return models.OrderPartiallyFilled
	}
	return status
}
