package knowledge

import (
	"context"
	"fmt"
	"time"
)

// PollConfig bounds a wait-until-ready loop.
type PollConfig struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxAttempts int
}

// TimeoutError is returned by Poll when the condition never held.
type TimeoutError struct {
	Op       string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("knowledge: %s not ready after %d attempts (%s)", e.Op, e.Attempts, e.Elapsed.Round(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Poll calls check until it reports ready, returns an error, or the budget runs out.
// An error from check aborts immediately; only "not ready yet" is retried.
func Poll(ctx context.Context, op string, cfg PollConfig, check func(context.Context) (bool, error)) error {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}

	started := time.Now()
	deadline := started.Add(cfg.Timeout)
	attempts := 0
	for {
		attempts++
		ready, err := check(ctx)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}

		exhausted := cfg.MaxAttempts > 0 && attempts >= cfg.MaxAttempts
		if exhausted || !time.Now().Add(cfg.Interval).Before(deadline) {
			return &TimeoutError{Op: op, Attempts: attempts, Elapsed: time.Since(started), Err: ErrIndexNotReady}
		}

		timer := time.NewTimer(cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
