package engine

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/smilemakc/flowcore/internal/sandbox"
)

// RetryPolicy is exponential backoff with jitter, grounded on the teacher's
// RetryExecutor (internal/application/executor/retry.go), restricted per
// spec.md §4.2 step 9 to only retry ErrorKind.Transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	CapDelay    time.Duration
}

// DefaultRetryPolicy matches spec.md §6's RETRIES/RETRY_BASE_MS/RETRY_CAP_MS
// defaults: 3 attempts, 1s base, 10s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 1000 * time.Millisecond, CapDelay: 10 * time.Second}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	base := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if cap := float64(p.CapDelay); p.CapDelay > 0 && base > cap {
		base = cap
	}
	jitter := base * 0.2 * (rand.Float64()*2 - 1)
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// runWithRetry invokes run, retrying on sandbox results whose error kind is
// Transient up to policy.MaxAttempts additional times. It never retries
// Validation/Permanent/Auth/ResourceLimit/Security failures (spec.md §7).
func runWithRetry(ctx context.Context, policy RetryPolicy, run func(ctx context.Context) sandbox.Result) sandbox.Result {
	var last sandbox.Result
	for attempt := 0; attempt <= policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return sandbox.Result{Err: sandbox.Wrap(sandbox.KindTransient, "cancelled", ctx.Err())}
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return sandbox.Result{Err: sandbox.Wrap(sandbox.KindTransient, "cancelled while waiting to retry", ctx.Err())}
			case <-time.After(policy.delay(attempt)):
			}
		}
		last = run(ctx)
		if last.Success || last.Err == nil || !last.Err.Kind.Retryable() {
			return last
		}
		if attempt == policy.MaxAttempts {
			return last
		}
	}
	return last
}
