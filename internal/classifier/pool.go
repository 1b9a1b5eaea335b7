package classifier

import (
	"context"
	"log/slog"

	"github.com/corvidio/sentinel/internal/apperr"
)

// workerPool bounds the number of concurrent classification calls so a burst
// of reclassification jobs can't starve CPU for the live detection path.
type workerPool struct {
	slots chan struct{}
	done  chan struct{}
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = 1
	}
	return &workerPool{
		slots: make(chan struct{}, size),
		done:  make(chan struct{}),
	}
}

// submit blocks until a slot is free, ctx is canceled, or the pool is
// closed, then runs fn in its own goroutine, releasing the slot on return.
func (p *workerPool) submit(ctx context.Context, fn func()) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return context.Canceled
	}
	go func() {
		defer func() { <-p.slots }()
		defer func() {
			if err := apperr.RecoverAndReport("classifier", recover()); err != nil {
				slog.Default().Error("classifier worker panic recovered", "error", err)
			}
		}()
		fn()
	}()
	return nil
}

func (p *workerPool) close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}
