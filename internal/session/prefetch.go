package session

import (
	"context"

	"go.uber.org/zap"
)

// Prefetch is a background pre-gathering task: work that warms caches or scans
// sources ahead of planning so unit execution does not pay for it. The session
// starts it when a run begins, waits for it before building the first plan,
// and cancels it on abort.
//
// Prefetching is an optimization, never a correctness dependency: a prefetch
// error is logged and planning proceeds without the warm data.
type Prefetch struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// StartPrefetch runs fn on its own goroutine under a cancellable context.
func StartPrefetch(ctx context.Context, fn func(context.Context) error) *Prefetch {
	ctx, cancel := context.WithCancel(ctx)
	p := &Prefetch{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer cancel()
		p.err = fn(ctx)
	}()
	return p
}

// Wait blocks until the task finishes and returns its error.
func (p *Prefetch) Wait() error {
	<-p.done
	return p.err
}

// Cancel stops the task; Wait still reports how it ended.
func (p *Prefetch) Cancel() {
	p.cancel()
	<-p.done
}

// startPrefetch kicks off the configured pre-gathering task if one is set and
// none is already in flight.
func (s *Session) startPrefetch() {
	if s.opts.Prefetch == nil || s.prefetch != nil {
		return
	}
	s.prefetch = StartPrefetch(context.Background(), s.opts.Prefetch)
}

// awaitPrefetch joins the in-flight pre-gathering task before planning.
func (s *Session) awaitPrefetch() {
	if s.prefetch == nil {
		return
	}
	if err := s.prefetch.Wait(); err != nil {
		s.log.Warn("prefetch failed, planning without warm data", zap.Error(err))
	}
	s.prefetch = nil
}

func (s *Session) cancelPrefetch() {
	if s.prefetch == nil {
		return
	}
	s.prefetch.Cancel()
	s.prefetch = nil
}
