package host

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Loop is a single goroutine scheduler. Every task posted to it runs
// sequentially, so tasks never race with each other.
type Loop struct {
	mu    sync.Mutex
	queue []Task
	wake  chan struct{}
}

func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post queues t to run after every task already queued.
func (l *Loop) Post(t Task) {
	l.mu.Lock()
	l.queue = append(l.queue, t)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) CallLater(delay time.Duration, t Task) {
	if delay <= 0 {
		l.Post(t)
		return
	}

	time.AfterFunc(delay, func() {
		l.Post(t)
	})
}

// Run executes queued tasks until ctx is done. Tasks still queued at that
// point are dropped.
func (l *Loop) Run(ctx context.Context) {
	logrus.Debug("host loop started")
	for {
		select {
		case <-ctx.Done():
			logrus.Debug("host loop exit")
			return
		case <-l.wake:
		}

		for {
			t, ok := l.next()
			if !ok {
				break
			}
			if ctx.Err() != nil {
				return
			}
			l.run(ctx, t)
		}
	}
}

func (l *Loop) next() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		return nil, false
	}

	t := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return t, true
}

func (l *Loop) run(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("host loop: task panicked: %v", r)
		}
	}()

	if err := t(ctx); err != nil {
		logrus.Error(err)
	}
}
