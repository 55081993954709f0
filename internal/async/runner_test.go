package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunner_ExecutesTasks(t *testing.T) {
	r := NewRunner(10, time.Second, nil)

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		r.Go("count", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
	}

	// Close drains the queue before returning.
	r.Close()
	if got := ran.Load(); got != 5 {
		t.Errorf("ran %d tasks, want 5", got)
	}
}

func TestRunner_SwallowsErrorsAndPanics(t *testing.T) {
	r := NewRunner(10, time.Second, nil)

	done := make(chan struct{})
	r.Go("fails", func(ctx context.Context) error {
		return errors.New("boom")
	})
	r.Go("panics", func(ctx context.Context) error {
		panic("boom")
	})
	r.Go("after", func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
	r.Close()
}

func TestRunner_GoAfterClose(t *testing.T) {
	r := NewRunner(10, time.Second, nil)
	r.Close()

	// Must not panic on a closed channel.
	r.Go("late", func(ctx context.Context) error { return nil })

	// Double close is a no-op.
	r.Close()
}

func TestRunner_TaskTimeout(t *testing.T) {
	r := NewRunner(10, 50*time.Millisecond, nil)

	expired := make(chan bool, 1)
	r.Go("slow", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			expired <- true
		case <-time.After(2 * time.Second):
			expired <- false
		}
		return nil
	})

	select {
	case ok := <-expired:
		if !ok {
			t.Error("task context did not expire")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("task never finished")
	}
	r.Close()
}
