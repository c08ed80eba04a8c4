package vad

import (
	"context"
	"sync"

	"github.com/skypro1111/speechchunks/internal/audio"
)

type asyncRequest struct {
	ctx    context.Context
	window audio.Window
	reset  bool
	// resetOnly requests an oracle Reset without evaluating a window
	resetOnly bool
	reply     chan asyncReply
}

type asyncReply struct {
	det Detection
	err error
}

// Async runs an oracle on a dedicated goroutine. Every call to the wrapped
// oracle happens on that goroutine, so engines that are not safe for
// concurrent use can be driven from any caller. Apply returns early when its
// context is cancelled; the wrapped evaluation still completes in the
// background and its result is discarded.
type Async struct {
	inner    Oracle
	requests chan asyncRequest
	quit     chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewAsync starts the worker goroutine for inner
func NewAsync(inner Oracle) *Async {
	a := &Async{
		inner:    inner,
		requests: make(chan asyncRequest),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)

	for {
		select {
		case <-a.quit:
			return
		case req := <-a.requests:
			if req.resetOnly {
				a.inner.Reset()
				req.reply <- asyncReply{}
				continue
			}
			det, err := a.inner.Apply(req.ctx, req.window, req.reset)
			req.reply <- asyncReply{det: det, err: err}
		}
	}
}

// Apply implements Oracle
func (a *Async) Apply(ctx context.Context, window audio.Window, reset bool) (Detection, error) {
	req := asyncRequest{
		ctx:    ctx,
		window: window,
		reset:  reset,
		reply:  make(chan asyncReply, 1),
	}

	select {
	case a.requests <- req:
	case <-a.quit:
		return Detection{}, ErrClosed
	case <-ctx.Done():
		return Detection{}, ctx.Err()
	}

	select {
	case rep := <-req.reply:
		return rep.det, rep.err
	case <-ctx.Done():
		return Detection{}, ctx.Err()
	}
}

// Reset implements Oracle. It is a no-op after Close.
func (a *Async) Reset() {
	req := asyncRequest{resetOnly: true, reply: make(chan asyncReply, 1)}

	select {
	case a.requests <- req:
	case <-a.quit:
		return
	}

	select {
	case <-req.reply:
	case <-a.done:
	}
}

// Close stops the worker once its current evaluation finishes and closes the
// wrapped oracle
func (a *Async) Close() error {
	a.closeOnce.Do(func() {
		close(a.quit)
		<-a.done
		a.closeErr = a.inner.Close()
	})
	return a.closeErr
}

// Inner returns the wrapped oracle
func (a *Async) Inner() Oracle {
	return a.inner
}
