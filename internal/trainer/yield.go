package trainer

import (
	"context"
	"runtime"
	"time"
)

// Gosched lets other goroutines run, then reports whether ctx is done. It is
// the default yield between steps and the loop's only cancellation point.
func Gosched(ctx context.Context) error {
	runtime.Gosched()
	return ctx.Err()
}

// Frames returns a yield that resumes on the next tick of a clock running at
// the given interval, the way a UI resumes work on the next frame. Call stop
// once the run is over.
func Frames(interval time.Duration) (yield func(context.Context) error, stop func()) {
	ticker := time.NewTicker(interval)
	yield = func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			return nil
		}
	}
	return yield, ticker.Stop
}
