package models

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var allStatuses = []OrderStatus{
	OrderPending, OrderPlaced, OrderOpen, OrderPartiallyFilled,
	OrderFilled, OrderCancelled, OrderRejected, OrderExpired,
}

func statusGen() gopter.Gen {
	vals := make([]interface{}, len(allStatuses))
	for i, s := range allStatuses {
		vals[i] = s
	}
	return gen.OneConstOf(vals...)
}

// Feature: options-executor, Property 1: terminal orders never move
//
// Property: For any terminal status and any target status, TransitionTo fails
// and leaves the order unchanged.
func TestProperty_TerminalOrdersAreImmutable(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	terminal := gen.OneConstOf(OrderFilled, OrderCancelled, OrderRejected, OrderExpired)

	properties.Property("terminal status rejects every transition", prop.ForAll(
		func(from, to OrderStatus) bool {
			o := &Order{ID: "o1", Status: from}
			err := o.TransitionTo(to, time.Now())
			var te *TransitionError
			return errors.As(err, &te) && o.Status == from
		},
		terminal,
		statusGen(),
	))

	properties.TestingRun(t)
}

func TestTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    OrderStatus
		to      OrderStatus
		wantErr bool
	}{
		{"pending to placed", OrderPending, OrderPlaced, false},
		{"pending to open skips placed", OrderPending, OrderOpen, true},
		{"pending to rejected", OrderPending, OrderRejected, false},
		{"placed to open", OrderPlaced, OrderOpen, false},
		{"open to filled", OrderOpen, OrderFilled, false},
		{"open to partial", OrderOpen, OrderPartiallyFilled, false},
		{"partial to filled", OrderPartiallyFilled, OrderFilled, false},
		{"filled to open", OrderFilled, OrderOpen, true},
		{"cancelled to pending", OrderCancelled, OrderPending, true},
		{"rejected to placed", OrderRejected, OrderPlaced, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &Order{ID: "o1", Status: tt.from}
			err := o.TransitionTo(tt.to, time.Now())
			if (err != nil) != tt.wantErr {
				t.Fatalf("TransitionTo(%s -> %s) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
			if !tt.wantErr && o.Status != tt.to {
				t.Errorf("status = %s, want %s", o.Status, tt.to)
			}
		})
	}
}

func TestAdvanceTo(t *testing.T) {
	now := time.Now()

	o := &Order{ID: "o1", Status: OrderPending}
	if err := o.AdvanceTo(OrderFilled, now); err != nil {
		t.Fatalf("AdvanceTo(FILLED) from PENDING: %v", err)
	}
	if o.Status != OrderFilled {
		t.Errorf("status = %s, want FILLED", o.Status)
	}

	o = &Order{ID: "o2", Status: OrderPlaced}
	if err := o.AdvanceTo(OrderRejected, now); err != nil {
		t.Fatalf("AdvanceTo(REJECTED) from PLACED: %v", err)
	}

	o = &Order{ID: "o3", Status: OrderFilled}
	if err := o.AdvanceTo(OrderCancelled, now); err == nil {
		t.Error("AdvanceTo from FILLED should fail")
	}

	o = &Order{ID: "o4", Status: OrderOpen}
	if err := o.AdvanceTo(OrderOpen, now); err != nil {
		t.Errorf("AdvanceTo to current status should be a no-op, got %v", err)
	}
}

func TestCanModify(t *testing.T) {
	for _, s := range allStatuses {
		o := &Order{Status: s}
		want := s == OrderPending || s == OrderOpen
		if got := o.CanModify(); got != want {
			t.Errorf("CanModify(%s) = %v, want %v", s, got, want)
		}
	}
}
