package workflow

import (
	"context"
	"math/rand/v2"
	"time"
)

// RandomPacer sleeps for a uniformly random duration in [Min, Max].
type RandomPacer struct {
	Min, Max time.Duration
}

func (p RandomPacer) Pause(ctx context.Context) error {
	d := p.Min
	if p.Max > p.Min {
		d += rand.N(p.Max - p.Min + 1)
	}
	return sleep(ctx, d)
}

// NoPacer never waits.
type NoPacer struct{}

func (NoPacer) Pause(ctx context.Context) error { return ctx.Err() }

func sleep(ctx context.Context, d time.Duration) error {
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
