package testutil

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoroutineTest_Success(t *testing.T) {
	gt := NewGoroutineTest(t)

	var n atomic.Int32
	for i := 0; i < 8; i++ {
		gt.Go(func(context.Context) error {
			n.Add(1)
			return nil
		})
	}
	gt.Wait()

	if n.Load() != 8 {
		t.Errorf("expected 8 runs, got %d", n.Load())
	}
}

func TestGoroutineTest_ContextCancelledByWait(t *testing.T) {
	gt := NewGoroutineTest(t)
	gt.Go(func(context.Context) error { return nil })
	gt.Wait()

	select {
	case <-gt.Context().Done():
	default:
		t.Error("context should be cancelled after Wait")
	}
}

func TestGoroutineTest_Cancel(t *testing.T) {
	gt := NewGoroutineTest(t)
	gt.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	gt.Cancel()
	gt.Wait()
}

func TestEventually(t *testing.T) {
	start := time.Now()
	if !Eventually(time.Second, func() bool { return time.Since(start) > 5*time.Millisecond }) {
		t.Error("condition should have held")
	}
	if Eventually(5*time.Millisecond, func() bool { return false }) {
		t.Error("condition never holds")
	}
}

func TestWaitFor(t *testing.T) {
	var n atomic.Int32
	go func() {
		time.Sleep(2 * time.Millisecond)
		n.Store(1)
	}()
	WaitFor(t, func() bool { return n.Load() == 1 })
}
