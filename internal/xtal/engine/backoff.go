package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/zeebo/blake3"

	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
)

type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
}

// RetryPolicy bounds oracle calls: one attempt plus Retries retries, each
// attempt limited to Timeout.
type RetryPolicy struct {
	Retries int
	Timeout time.Duration
	Backoff BackoffConfig
}

func retryPolicyFor(c *catalog.Catalog) RetryPolicy {
	o := c.Run.Oracle
	return RetryPolicy{
		Retries: o.Retries,
		Timeout: time.Duration(o.TimeoutMS) * time.Millisecond,
		Backoff: BackoffConfig{
			InitialDelayMS: o.BaseDelayMS,
			BackoffFactor:  2.0,
			MaxDelayMS:     o.MaxDelayMS,
			Jitter:         o.Jitter,
		},
	}
}

// DelayForAttempt returns the wait before retry attempt (1-indexed).
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(factor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}
	if cfg.Jitter {
		baseMS *= 0.5 + jitterUnit(jitterSeed)
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := blake3.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// callOracle asks the oracle with bounded retries. Invalid suggestions are
// not retried: the oracle answered, just not usefully.
func (e *Engine) callOracle(ctx context.Context, p Prompt, seed string) (Suggestion, int, error) {
	pol := e.retry
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= pol.Retries; attempt++ {
		if attempt > 0 {
			d := DelayForAttempt(attempt, pol.Backoff, fmt.Sprintf("%s:%d", seed, attempt))
			e.log.Debug("oracle retry", "attempt", attempt, "delay", d, "err", lastErr)
			if err := e.sleep(ctx, d); err != nil {
				return Suggestion{}, attempts, err
			}
		}
		attempts++
		cctx := ctx
		cancel := func() {}
		if pol.Timeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, pol.Timeout)
		}
		s, err := e.oracle.Suggest(cctx, p)
		cancel()
		if err == nil {
			e.metrics.oracleCall("ok")
			return s, attempts, nil
		}
		lastErr = err
		if errors.Is(err, ErrInvalidSuggestion) {
			e.metrics.oracleCall("invalid")
			return Suggestion{}, attempts, err
		}
		if ctx.Err() != nil {
			e.metrics.oracleCall("canceled")
			return Suggestion{}, attempts, ctx.Err()
		}
		e.metrics.oracleCall("error")
	}
	return Suggestion{}, attempts, fmt.Errorf("oracle failed after %d attempts: %w", attempts, lastErr)
}
