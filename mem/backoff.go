package mem

import (
	"context"
	"time"
)

const (
	backoffStart   = 1
	backoffCeiling = 32
	backoffTries   = 6
)

// backoffUnit scales the retry delays so tests can run in milliseconds.
var backoffUnit = time.Second

// GrowWithBackoff is Grow with a bounded exponential-backoff retry, used only
// for selection-index memory whose demand may clear as buffered batches are
// spilled.  Delays start at one second and double up to a ceiling; the
// context is re-checked on every wake so cancellation is prompt.
func (a *Allocator) GrowWithBackoff(ctx context.Context, n int64) error {
	delay := time.Duration(backoffStart)
	var err error
	for i := 0; i < backoffTries; i++ {
		if err = a.Grow(n); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay * backoffUnit):
		}
		if delay *= 2; delay > backoffCeiling {
			delay = backoffCeiling
		}
	}
	return err
}
