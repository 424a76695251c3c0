package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Remounter is a surface's reconnect policy. The supervisor never retries;
// a surface that wants its stream back runs one of these.
type Remounter struct {
	Supervisor *Supervisor
	Surface    string
	BackOff    backoff.BackOff
	Logger     *slog.Logger
	// OnMount is called with every subscription the surface switches to.
	OnMount func(*Subscription)
}

// NewBackOff builds the exponential policy used between remounts.
func NewBackOff(minInterval, maxInterval time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if minInterval > 0 {
		b.InitialInterval = minInterval
	}
	if maxInterval > 0 {
		b.MaxInterval = maxInterval
	}
	b.Reset()
	return b
}

// Run mounts ticker() on the surface and mounts again whenever the
// subscription drops, until ctx is done, the supervisor closes or the
// surface is unmounted. A subscription replaced by SwitchTicker is followed
// without waiting.
func (r *Remounter) Run(ctx context.Context, ticker func() string) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := r.BackOff
	if policy == nil {
		policy = NewBackOff(0, 0)
	}

	var prev *Subscription
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var sub *Subscription
		var err error
		if prev == nil {
			sub, err = r.Supervisor.Mount(ctx, r.Surface, ticker())
		} else {
			sub, err = r.Supervisor.Remount(ctx, r.Surface, ticker(), prev)
		}
		if errors.Is(err, ErrClosed) || errors.Is(err, ErrUnmounted) {
			logger.Info("remounter stopped", "surface", r.Surface, "err", err)
			return err
		}
		if err != nil {
			logger.Warn("mount failed", "surface", r.Surface, "err", err)
			if !r.sleep(ctx, policy) {
				return ctx.Err()
			}
			continue
		}
		if sub != prev && r.OnMount != nil {
			r.OnMount(sub)
		}
		prev = sub

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
		}

		cur, ok := r.Supervisor.Subscription(r.Surface)
		if !ok {
			logger.Info("surface unmounted, not remounting", "surface", r.Surface)
			return ErrUnmounted
		}
		if cur != sub {
			continue
		}
		if sub.Version() > 0 {
			policy.Reset()
		}
		logger.Info("stream lost, remounting", "surface", r.Surface, "ticker", sub.Ticker())
		if !r.sleep(ctx, policy) {
			return ctx.Err()
		}
	}
}

func (r *Remounter) sleep(ctx context.Context, policy backoff.BackOff) bool {
	d := policy.NextBackOff()
	if d == backoff.Stop {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
