package risk

import (
	"fmt"
	"time"

	"options-executor/internal/models"
)

// ReEntryDecision explains why a strategy may or may not re-enter.
type ReEntryDecision struct {
	Eligible bool
	Reason   string
	// NotBefore is set when only the cooldown blocks re-entry.
	NotBefore time.Time
}

// ReEntryEligible checks the re-entry rules for a strategy's current run.
// A run that has already re-entered is ENTERED again, so a single exit can
// never produce two re-entries.
func ReEntryEligible(st *models.Strategy, run *models.StrategyRun, now time.Time) ReEntryDecision {
	cfg := st.ReEntry
	switch {
	case !cfg.Enabled:
		return ReEntryDecision{Reason: "re-entry disabled"}
	case run == nil || run.Status != models.RunExited || run.ExitedAt == nil:
		return ReEntryDecision{Reason: "strategy has not exited"}
	case run.ReEntryCount >= cfg.MaxCount:
		return ReEntryDecision{Reason: fmt.Sprintf("re-entry count %d reached max %d", run.ReEntryCount, cfg.MaxCount)}
	case !cfg.Triggers(run.ExitReason):
		return ReEntryDecision{Reason: fmt.Sprintf("exit reason %s does not trigger re-entry", run.ExitReason)}
	}

	ready := run.ExitedAt.Add(time.Duration(cfg.CooldownMinutes) * time.Minute)
	if now.Before(ready) {
		return ReEntryDecision{Reason: "cooldown not elapsed", NotBefore: ready}
	}
	return ReEntryDecision{Eligible: true}
}
