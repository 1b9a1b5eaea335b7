package processor

import (
	"context"

	"github.com/corvidio/sentinel/internal/apperr"
)

// workerPool bounds the number of concurrently running pipeline
// executions, so the Event Router's single NVR dispatch goroutine never
// blocks on a slow snapshot fetch/classification/notify chain for one
// camera while another camera's event is ready to process -- cross-event
// work proceeds concurrently; same-event work still serializes through
// Processor.inFlight inside each worker.
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
// A panic inside fn is recovered, reported via apperr.RecoverAndReport, and
// passed to onPanic rather than crashing the process.
func (p *workerPool) submit(ctx context.Context, fn func(), onPanic func(error)) error {
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
			if err := apperr.RecoverAndReport("processor", recover()); err != nil && onPanic != nil {
				onPanic(err)
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
