// Package allocation resolves which broker accounts a strategy's legs are
// sent to and how many lots each receives.
package allocation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "options-executor/internal/errors"
	"options-executor/internal/models"
	"options-executor/internal/store"
)

// Store is the persistence the service needs.
type Store interface {
	GetAllocation(ctx context.Context, id string) (*models.Allocation, error)
	ListAllocations(ctx context.Context, filter store.AllocationFilter) ([]models.Allocation, error)
	UpdateAllocation(ctx context.Context, a *models.Allocation, expectedVersion int64) error
}

// Service implements the allocation model.
type Service struct {
	store  Store
	logger zerolog.Logger
}

// NewService creates an allocation service.
func NewService(st Store, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		logger: logger.With().Str("component", "allocation").Logger(),
	}
}

// Target is one leg routed to one allocation.
type Target struct {
	Leg        models.Leg
	Allocation models.Allocation
	Lots       int64
}

// Quantity is the order quantity for the target: lots × contract size.
func (t Target) Quantity() int {
	return int(t.Lots) * t.Leg.ContractSize()
}

// List returns a basket's ACTIVE allocations by priority, ties by id.
func (s *Service) List(ctx context.Context, basketID string) ([]models.Allocation, error) {
	return s.store.ListAllocations(ctx, store.AllocationFilter{
		BasketID: basketID,
		Status:   models.AllocationActive,
	})
}

// Resolve returns the allocations that apply to a strategy. Basket-level
// allocations are used when present; otherwise the legacy per-strategy
// allocations. When both exist the basket wins and a warning is logged.
func (s *Service) Resolve(ctx context.Context, st *models.Strategy) ([]models.Allocation, error) {
	var basket []models.Allocation
	if st.BasketID != "" {
		var err error
		basket, err = s.List(ctx, st.BasketID)
		if err != nil {
			return nil, fmt.Errorf("failed to list basket allocations: %w", err)
		}
	}

	legacy, err := s.store.ListAllocations(ctx, store.AllocationFilter{
		StrategyID: st.ID,
		Legacy:     true,
		Status:     models.AllocationActive,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy allocations: %w", err)
	}

	if len(basket) > 0 {
		if len(legacy) > 0 {
			s.logger.Warn().
				Str("strategy_id", st.ID).
				Str("basket_id", st.BasketID).
				Int("legacy_allocations", len(legacy)).
				Msg("Strategy has basket and legacy allocations, using basket")
		}
		return basket, nil
	}
	return legacy, nil
}

// Plan expands a strategy into (leg × allocation) targets in leg order, then
// allocation priority. Allocations yielding zero lots are skipped.
func (s *Service) Plan(ctx context.Context, st *models.Strategy) ([]Target, error) {
	allocations, err := s.Resolve(ctx, st)
	if err != nil {
		return nil, err
	}

	var targets []Target
	for _, leg := range st.Legs {
		for _, a := range allocations {
			if !a.AppliesToLeg(leg.ID) {
				continue
			}
			if t, ok := s.target(st, leg, a); ok {
				targets = append(targets, t)
			}
		}
	}
	return targets, nil
}

// PlanOne returns the target for one leg and allocation, used to re-execute
// a single failed attempt.
func (s *Service) PlanOne(ctx context.Context, st *models.Strategy, legID, allocationID string) (Target, error) {
	leg, ok := st.Leg(legID)
	if !ok {
		return Target{}, apperrors.Wrapf(apperrors.ErrNotFound, "leg %s in strategy %s", legID, st.ID)
	}
	a, err := s.store.GetAllocation(ctx, allocationID)
	if err != nil {
		return Target{}, err
	}
	t, ok := s.target(st, *leg, *a)
	if !ok {
		return Target{}, apperrors.NewValidationError("quantity", 0, "allocation yields no lots")
	}
	return t, nil
}

func (s *Service) target(st *models.Strategy, leg models.Leg, a models.Allocation) (Target, bool) {
	lots := a.EffectiveLots(leg.BaseLots)
	if lots <= 0 {
		s.logger.Warn().
			Str("strategy_id", st.ID).
			Str("leg_id", leg.ID).
			Str("allocation_id", a.ID).
			Str("multiplier", a.LotMultiplier.String()).
			Int("base_lots", leg.BaseLots).
			Msg("Allocation yields no lots, skipping")
		return Target{}, false
	}
	if max := a.RiskLimits.MaxLots; max > 0 && lots > max {
		s.logger.Warn().
			Str("allocation_id", a.ID).
			Int64("lots", lots).
			Int64("max_lots", max).
			Msg("Capping lots at allocation limit")
		lots = max
	}
	return Target{Leg: leg, Allocation: a, Lots: lots}, true
}

// UpdateMultiplier sets the lot multiplier if the allocation is still at
// expectedVersion.
func (s *Service) UpdateMultiplier(ctx context.Context, id string, m decimal.Decimal, expectedVersion int64) (*models.Allocation, error) {
	if !models.MultiplierInRange(m) {
		return nil, apperrors.NewValidationError("lot_multiplier", m.String(),
			fmt.Sprintf("must be between %s and %s", models.MinLotMultiplier, models.MaxLotMultiplier))
	}
	return s.update(ctx, id, expectedVersion, func(a *models.Allocation) { a.LotMultiplier = m })
}

// UpdatePriority changes only the ordering key.
func (s *Service) UpdatePriority(ctx context.Context, id string, priority int, expectedVersion int64) (*models.Allocation, error) {
	if priority < 1 {
		return nil, apperrors.NewValidationError("priority", priority, "priority must be 1 or greater")
	}
	return s.update(ctx, id, expectedVersion, func(a *models.Allocation) { a.Priority = priority })
}

// UpdateStatus activates or deactivates an allocation.
func (s *Service) UpdateStatus(ctx context.Context, id string, status models.AllocationStatus, expectedVersion int64) (*models.Allocation, error) {
	if status != models.AllocationActive && status != models.AllocationInactive {
		return nil, apperrors.NewValidationError("status", status, "status must be ACTIVE or INACTIVE")
	}
	return s.update(ctx, id, expectedVersion, func(a *models.Allocation) { a.Status = status })
}

func (s *Service) update(ctx context.Context, id string, expectedVersion int64, mutate func(a *models.Allocation)) (*models.Allocation, error) {
	a, err := s.store.GetAllocation(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Version != expectedVersion {
		return nil, apperrors.NewConflictError("allocation", id, expectedVersion, a.Version)
	}

	mutate(a)
	if err := s.store.UpdateAllocation(ctx, a, expectedVersion); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("allocation_id", id).
		Int64("version", a.Version).
		Msg("Allocation updated")
	return a, nil
}
