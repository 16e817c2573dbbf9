// Package testutil provides helpers for tests that involve goroutines.
//
// Calling t.Fatal or t.FailNow from a goroutine other than the test's only
// stops that goroutine. Goroutines started through GoroutineTest return
// errors instead, and Wait reports them on the test goroutine.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

// GoroutineTest collects errors from goroutines spawned by a test.
//
//	gt := testutil.NewGoroutineTest(t)
//	for i := 0; i < 4; i++ {
//	    gt.Go(func() error {
//	        if got := e.CurrentCapacity(); got <= 0 {
//	            return fmt.Errorf("capacity %v", got)
//	        }
//	        return nil
//	    })
//	}
//	gt.Wait()
type GoroutineTest struct {
	t      testing.TB
	wg     sync.WaitGroup
	mu     sync.Mutex
	errs   []error
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGoroutineTest creates a helper whose context is cancelled by Wait or
// when the test ends.
func NewGoroutineTest(t testing.TB) *GoroutineTest {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &GoroutineTest{t: t, ctx: ctx, cancel: cancel}
}

// Go runs fn in a goroutine and records its error.
func (gt *GoroutineTest) Go(fn func(ctx context.Context) error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(gt.ctx); err != nil {
			gt.mu.Lock()
			gt.errs = append(gt.errs, err)
			gt.mu.Unlock()
		}
	}()
}

// Context returns the context passed to every goroutine.
func (gt *GoroutineTest) Context() context.Context {
	return gt.ctx
}

// Cancel signals the goroutines to stop without waiting for them.
func (gt *GoroutineTest) Cancel() {
	gt.cancel()
}

// Wait waits for every goroutine, then fails the test if any returned an
// error.
func (gt *GoroutineTest) Wait() {
	gt.t.Helper()

	gt.wg.Wait()
	gt.cancel()

	gt.mu.Lock()
	errs := gt.errs
	gt.errs = nil
	gt.mu.Unlock()

	for i, err := range errs {
		gt.t.Errorf("goroutine error [%d]: %v", i+1, err)
	}
	if len(errs) > 0 {
		gt.t.FailNow()
	}
}

// Eventually polls condition every millisecond until it holds or timeout
// elapses, and reports whether it held.
func Eventually(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// WaitFor fails the test when condition does not hold within two seconds.
func WaitFor(t testing.TB, condition func() bool) {
	t.Helper()
	if !Eventually(2*time.Second, condition) {
		t.Fatal("condition not met in time")
	}
}
