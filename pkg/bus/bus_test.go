package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunLoopReconnectsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunLoop(ctx, zerolog.Nop(), time.Millisecond, func(ctx context.Context) error {
			if calls.Add(1) >= 3 {
				cancel()
				return ctx.Err()
			}
			return errors.New("broker unavailable")
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunLoop did not stop after cancellation")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("run invoked %d times, want 3 (two failures, one cancel)", got)
	}
}

func TestRunLoopStopsOnPreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	RunLoop(ctx, zerolog.Nop(), time.Millisecond, func(ctx context.Context) error {
		calls.Add(1)
		return ctx.Err()
	})

	if got := calls.Load(); got != 1 {
		t.Errorf("run invoked %d times on a dead context, want 1", got)
	}
}

func TestFanoutGroupIDsAreUnique(t *testing.T) {
	a, b := FanoutGroupID("gateway"), FanoutGroupID("gateway")
	if a == b {
		t.Errorf("two fanout group ids collided: %s", a)
	}
}
