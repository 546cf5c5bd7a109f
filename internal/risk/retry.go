package risk

import (
	"fmt"
	"time"

	apperrors "options-executor/internal/errors"
	"options-executor/internal/models"
	"options-executor/pkg/utils"
)

// RetryDecision explains why a failed execution may or may not be retried.
type RetryDecision struct {
	Eligible  bool
	Reason    string
	NotBefore time.Time
}

// RetryEligible applies the retry policy to a failed execution record: below
// maxRetries, a retryable failure reason and 2^retry_count minutes since the
// last attempt.
func RetryEligible(rec *models.ExecutionRecord, maxRetries int, now time.Time) RetryDecision {
	switch {
	case !rec.Failed():
		return RetryDecision{Reason: fmt.Sprintf("status %s is not a failure", rec.Status)}
	case rec.RetryCount >= maxRetries:
		return RetryDecision{Reason: fmt.Sprintf("retry count %d reached max %d", rec.RetryCount, maxRetries)}
	case !apperrors.IsRetryable(rec.FailureReason):
		return RetryDecision{Reason: fmt.Sprintf("%s is not retryable", rec.FailureReason)}
	}

	ready := rec.LastAttemptAt().Add(utils.ExecutionBackoff(rec.RetryCount))
	if now.Before(ready) {
		return RetryDecision{Reason: "backoff not elapsed", NotBefore: ready}
	}
	return RetryDecision{Eligible: true}
}

// MaxRetriesFor returns the strategy's retry budget, falling back to def.
func MaxRetriesFor(st *models.Strategy, def int) int {
	if st != nil && st.MaxRetries > 0 {
		return st.MaxRetries
	}
	return def
}
