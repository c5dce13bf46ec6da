package executor

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/awi-cli/internal/config"
	"github.com/xkilldash9x/awi-cli/internal/credentials"
)

const (
	defaultMaxAttempts   = 3
	defaultBackoffFactor = 2.0
	defaultMinBackoff    = time.Second
)

// Runner executes a single intent.
type Runner interface {
	Execute(ctx context.Context, cred *credentials.Credential, in Intent) Result
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Retrier reissues rate-limited intents after the server-declared wait,
// growing it by a constant factor on each repeat. The streak of consecutive
// rate-limited results spans Do calls, so one Retrier per task escalates
// across intents; the first other result resets it.
type Retrier struct {
	runner      Runner
	maxAttempts int
	factor      float64
	minBackoff  time.Duration
	maxBackoff  time.Duration
	sleep       SleepFunc
	logger      *zap.Logger

	mu     sync.Mutex
	streak int
}

// NewRetrier builds a Retrier from the executor configuration.
func NewRetrier(runner Runner, cfg config.ExecutorConfig, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Retrier{
		runner:      runner,
		maxAttempts: cfg.MaxAttempts,
		factor:      cfg.BackoffFactor,
		minBackoff:  cfg.MinBackoff,
		maxBackoff:  cfg.MaxBackoff,
		sleep:       sleepContext,
		logger:      logger.Named("retry"),
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	if r.factor < 1 {
		r.factor = defaultBackoffFactor
	}
	if r.minBackoff <= 0 {
		r.minBackoff = defaultMinBackoff
	}
	return r
}

// SetSleep replaces the sleep function, for tests.
func (r *Retrier) SetSleep(fn SleepFunc) { r.sleep = fn }

// Backoff returns the wait before attempt n+1 after the n-th rate-limited
// result: max(retryAfter, minBackoff) * factor^(n-1). The cap never cuts the
// wait below what the server asked for.
func (r *Retrier) Backoff(n int, retryAfter time.Duration) time.Duration {
	base := retryAfter
	if base < r.minBackoff {
		base = r.minBackoff
	}
	wait := time.Duration(float64(base) * math.Pow(r.factor, float64(n-1)))
	limit := r.maxBackoff
	if limit > 0 && limit < retryAfter {
		limit = retryAfter
	}
	if limit > 0 && (wait > limit || wait < 0) {
		wait = limit
	}
	return wait
}

// Do executes in and retries while the result is RateLimited, at most
// maxAttempts calls in total. Other kinds are returned immediately. When ctx
// ends during a wait, the last result is returned with Err set.
func (r *Retrier) Do(ctx context.Context, cred *credentials.Credential, in Intent) Result {
	var res Result
	for attempt := 1; ; attempt++ {
		res = r.runner.Execute(ctx, cred, in)
		streak := r.observe(res.Kind)
		if res.Kind != RateLimited {
			return res
		}
		if attempt >= r.maxAttempts {
			r.logger.Warn("Giving up after repeated rate limiting",
				zap.Int("attempts", attempt),
				zap.Int("streak", streak),
				zap.String("endpoint", in.Endpoint))
			return res
		}

		var retryAfter time.Duration
		if res.RateLimit != nil {
			retryAfter = res.RateLimit.RetryAfter
		}
		wait := r.Backoff(streak, retryAfter)
		r.logger.Info("Rate limited, backing off",
			zap.Int("attempt", attempt),
			zap.Int("streak", streak),
			zap.Duration("wait", wait),
			zap.Duration("retry_after", retryAfter))
		if err := r.sleep(ctx, wait); err != nil {
			res.Err = err
			return res
		}
	}
}

// Streak returns the current run of consecutive rate-limited results.
func (r *Retrier) Streak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streak
}

func (r *Retrier) observe(kind ResultKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == RateLimited {
		r.streak++
	} else {
		r.streak = 0
	}
	return r.streak
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
