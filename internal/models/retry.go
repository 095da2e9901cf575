package models

import (
	"math"
	"time"
)

// AttemptInfo records the outcome of a single retry attempt.
type AttemptInfo struct {
	AttemptNumber    int
	Timestamp        time.Time
	Duration         time.Duration
	Success          bool
	ErrorInfo        *ErrorInfo
	ChangesMade      int
	CommandsExecuted int
}

// RetryContext is the accumulated state used to decide whether and how
// to retry a failed task.
type RetryContext struct {
	Task              Task
	LatestError       ErrorInfo
	PreviousAttempts  []AttemptInfo
	RecoveryStrategies []RecoveryStrategyRef
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffMultiplier float64
}

// RecoveryStrategyRef names a registered recovery strategy by kind; the
// full RecoveryStrategy (with its recovery function) lives in
// internal/retry's registry, keeping models free of behavior.
type RecoveryStrategyRef struct {
	Kind                string
	Description         string
	SuggestedActions    []string
	SuccessProbability  float64
}

// CanRetry reports whether another attempt is permitted.
func (c *RetryContext) CanRetry() bool {
	return len(c.PreviousAttempts) < c.MaxRetries
}

// NextDelay computes the exponential backoff delay for the next attempt.
func (c *RetryContext) NextDelay() time.Duration {
	n := float64(len(c.PreviousAttempts))
	factor := math.Pow(c.BackoffMultiplier, n)
	return time.Duration(float64(c.BaseDelay) * factor)
}
