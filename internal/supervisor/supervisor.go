// Package supervisor gives every background goroutine in every control-plane
// process one uniform start/stop discipline, factored out of the repeated
// mutex-guarded started/stopped pattern the teacher inlines separately in
// queue.Scheduler and queue.WorkerPool.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Supervisor tracks a set of named goroutines and coordinates their
// shutdown: cancel the root context, wait up to a drain deadline, and log
// whichever ones failed to finish in time instead of blocking forever.
type Supervisor struct {
	mu      sync.Mutex
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	drainTimeout time.Duration
	log          zerolog.Logger

	stragglers map[string]struct{}
}

// New builds a Supervisor bound to parent. drainTimeout bounds how long Stop
// waits for goroutines to exit after cancellation.
func New(parent context.Context, drainTimeout time.Duration, log zerolog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		ctx:          ctx,
		cancel:       cancel,
		drainTimeout: drainTimeout,
		log:          log.With().Str("component", "supervisor").Logger(),
		stragglers:   make(map[string]struct{}),
	}
}

// Context returns the context goroutines should select on for cancellation.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Go launches fn as a named, tracked goroutine. fn must return promptly
// after s.Context() is cancelled. Calling Go after Stop has no effect.
func (s *Supervisor) Go(name string, fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.mu.Lock()
	s.stragglers[name] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.stragglers, name)
			s.mu.Unlock()
			if r := recover(); r != nil {
				s.log.Error().Str("goroutine", name).Interface("panic", r).Msg("recovered panic in supervised goroutine")
			}
		}()
		fn(s.ctx)
	}()
}

// Stop cancels the root context and waits up to the configured drain
// timeout for all goroutines launched via Go to return. It is safe to call
// more than once; only the first call has effect.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("all supervised goroutines drained")
	case <-time.After(s.drainTimeout):
		s.mu.Lock()
		remaining := make([]string, 0, len(s.stragglers))
		for name := range s.stragglers {
			remaining = append(remaining, name)
		}
		s.mu.Unlock()
		s.log.Warn().Dur("drain_timeout", s.drainTimeout).Strs("stragglers", remaining).Msg("drain timeout exceeded, some goroutines still running")
	}
}
