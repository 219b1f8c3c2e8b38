package host

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func runLoop(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()

	l := NewLoop()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l, cancel
}

func TestLoopRunsDeferredTaskAfterCurrent(t *testing.T) {
	l, _ := runLoop(t)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	finished := make(chan struct{})
	l.Post(func(context.Context) error {
		l.CallLater(0, func(context.Context) error {
			record("deferred")
			close(finished)
			return nil
		})
		record("handler")
		return nil
	})

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("deferred task did not run")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"handler", "deferred"}, order)
}

func TestLoopKeepsRunningAfterFailedTask(t *testing.T) {
	l, _ := runLoop(t)

	finished := make(chan struct{})
	l.Post(func(context.Context) error { return errors.New("command failed") })
	l.Post(func(context.Context) error { panic("boom") })
	l.Post(func(context.Context) error {
		close(finished)
		return nil
	})

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("loop stopped after a failing task")
	}
}

func TestLoopCallLaterWithDelay(t *testing.T) {
	l, _ := runLoop(t)

	start := time.Now()
	finished := make(chan time.Time)
	l.CallLater(5*time.Millisecond, func(context.Context) error {
		finished <- time.Now()
		return nil
	})

	select {
	case at := <-finished:
		assert.GreaterOrEqual(t, at.Sub(start), 5*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("delayed task did not run")
	}
}

func TestLoopRunExitsOnContextDone(t *testing.T) {
	l := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}
}
