package connection

import (
	"context"
	"time"
)

// backoff implements exponential backoff capped at a maximum. The nth
// delay is min(base·2ⁿ, max); reconnection timing is part of the
// tool's documented behavior, so there is no jitter.
type backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max, current: base}
}

// Next returns the current delay and doubles it for the next call.
func (b *backoff) Next() time.Duration {
	d := b.current
	if next := b.current * 2; next > b.max {
		b.current = b.max
	} else {
		b.current = next
	}
	return d
}

// Reset sets the delay back to the base value.
func (b *backoff) Reset() {
	b.current = b.base
}

// sleepCtx blocks for d or until ctx is done. Returns true if the
// sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
