package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Background runs detached work items. Each item gets its own timeout and is
// never tied to the request that spawned it.
type Background struct {
	logger  *zap.SugaredLogger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewBackground(logger *zap.SugaredLogger, timeout time.Duration) *Background {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Background{logger: logger, timeout: timeout}
}

// Go starts fn in its own goroutine. A returned error or a panic is logged
// with the task name and otherwise dropped.
func (b *Background) Go(name string, fn func(ctx context.Context) error) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Errorw("background task panicked", "task", name, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			b.logger.Warnw("background task failed", "task", name, "err", err)
		}
	}()
}

// Send dispatches a message as a detached work item.
func (b *Background) Send(d Dispatcher, name, address string, msg Message) {
	b.Go(name, func(ctx context.Context) error {
		return d.Send(ctx, address, msg.Subject, msg.Body)
	})
}

// Wait blocks until every started task has finished or ctx is done.
func (b *Background) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
