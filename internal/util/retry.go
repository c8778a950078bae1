package util

import (
	"context"
	"time"
)

// Retry invokes fn until it succeeds, up to attempts tries, doubling the
// sleep between tries from initial up to max. Cancelling ctx interrupts the
// sleep; the first try always runs.
func Retry(ctx context.Context, attempts int, initial, max time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	d := initial
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
		if d < max {
			d *= 2
			if d > max {
				d = max
			}
		}
	}
	return err
}
