package pregel

import (
	"math/rand"
	"time"
)

// RetryPolicy configures automatic retry of a failed actor invocation.
// Lifted near-verbatim from the teacher's policy.go: same exponential
// backoff-with-jitter formula, same validation rule, since the retry math
// doesn't change when the unit of work changes from "node" to "actor".
type RetryPolicy struct {
	// MaxAttempts is the maximum number of invocation attempts including
	// the first. Must be >= 1.
	MaxAttempts int

	// BaseDelay and MaxDelay bound the exponential backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Retryable decides whether a given error should trigger a retry. A
	// GraphInterrupt is never retried regardless of this predicate — it is
	// not a failure.
	Retryable func(error) bool
}

func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// computeBackoff returns delay = min(base*2^attempt, maxDelay) + jitter(0,
// base). Using the context-seeded RNG (see initRNG) keeps this
// deterministic across a replayed run, same trick as the teacher's
// computeBackoff.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	exp := base * (1 << attempt)
	if maxDelay > 0 && exp > maxDelay {
		exp = maxDelay
	}
	var jitter time.Duration
	if base <= 0 {
		return exp
	}
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter timing, not security
	}
	return exp + jitter
}
