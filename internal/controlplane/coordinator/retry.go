package coordinator

import (
	"fmt"
	"math"
	"time"
)

const (
	defaultRetryMaxAttempts    = 3
	defaultRetryInitialBackoff = 500 * time.Millisecond
	defaultRetryMultiplier     = 2.0
	defaultRetryMaxBackoff     = 10 * time.Second
)

// RetryPolicy configures per-unit retry behavior inside execute.
// MaxAttempts includes the first attempt.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns the built-in retry budget.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    defaultRetryMaxAttempts,
		InitialBackoff: defaultRetryInitialBackoff,
		Multiplier:     defaultRetryMultiplier,
		MaxBackoff:     defaultRetryMaxBackoff,
	}
}

func (p RetryPolicy) validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max attempts must be >= 1")
	}
	if p.InitialBackoff <= 0 {
		return fmt.Errorf("retry: initial backoff must be a positive duration")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry: multiplier must be >= 1")
	}
	if p.MaxBackoff < 0 {
		return fmt.Errorf("retry: max backoff must be >= 0")
	}
	return nil
}

// nextRetryDelay returns the delay before scheduling the next attempt after
// failedAttempt has completed.
func (p RetryPolicy) nextRetryDelay(failedAttempt int) time.Duration {
	if failedAttempt < 1 {
		failedAttempt = 1
	}

	exponent := float64(failedAttempt - 1)
	multiplier := math.Pow(p.Multiplier, exponent)
	delay := time.Duration(float64(p.InitialBackoff) * multiplier)
	if delay <= 0 {
		delay = p.InitialBackoff
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}
