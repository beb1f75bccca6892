package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/exosim/control-plane/internal/domain"
	"github.com/exosim/control-plane/internal/market_hours"
	"github.com/exosim/control-plane/internal/store"
	"github.com/rs/zerolog"
)

// Controller reconciles the set of running exchange workers against each
// exchange's market-hours window. Run/Stop are idempotent and
// mutex-guarded exactly like the teacher's queue.Scheduler.
type Controller struct {
	st       store.Store
	cluster  ClusterOps
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	stop    chan struct{}
	started bool
	stopped bool
}

// New builds a Controller. now defaults to time.Now when nil.
func New(st store.Store, cluster ClusterOps, interval time.Duration, log zerolog.Logger, now func() time.Time) *Controller {
	if now == nil {
		now = time.Now
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Controller{
		st:       st,
		cluster:  cluster,
		interval: interval,
		log:      log.With().Str("component", "lifecycle_controller").Logger(),
		now:      now,
		stop:     make(chan struct{}),
	}
}

// Run blocks, ticking Reconcile every interval, until ctx is cancelled or
// Stop is called.
func (c *Controller) Run(ctx context.Context) {
	c.mu.Lock()
	if c.started && !c.stopped {
		c.log.Warn().Msg("lifecycle controller already running, ignoring")
		c.mu.Unlock()
		return
	}
	if c.stopped {
		c.stop = make(chan struct{})
		c.stopped = false
	}
	c.started = true
	c.mu.Unlock()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	if err := c.Reconcile(ctx); err != nil {
		c.log.Error().Err(err).Msg("initial reconcile failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.Reconcile(ctx); err != nil {
				c.log.Error().Err(err).Msg("reconcile tick failed")
			}
		}
	}
}

// Stop halts Run. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		close(c.stop)
		c.stopped = true
		c.started = false
	}
}

// ShouldBeRunning delegates to the pure market_hours function.
func (c *Controller) ShouldBeRunning(e domain.ExchangeWorker, nowUTC time.Time) bool {
	return market_hours.ShouldBeRunning(e, nowUTC)
}

// Reconcile runs one tick: load exchanges, compute desired vs observed,
// start/stop the symmetric difference, health-check observed workers
// without forcing a restart. A Store read failure aborts the tick; the next
// tick retries from scratch.
func (c *Controller) Reconcile(ctx context.Context) error {
	exchanges, err := c.st.ListExchanges(ctx)
	if err != nil {
		return err
	}

	now := c.now()
	desired := make(map[string]domain.ExchangeWorker)
	for _, e := range exchanges {
		if c.ShouldBeRunning(e, now) {
			desired[e.ExchID] = e
		}
	}

	observed, err := c.cluster.List(ctx)
	if err != nil {
		// A cluster List failure is not a Store failure — log and skip
		// this tick's start/stop decisions rather than aborting entirely;
		// the next tick re-observes.
		c.log.Error().Err(err).Msg("cluster list failed")
		return nil
	}

	byID := make(map[string]domain.ExchangeWorker, len(exchanges))
	for _, e := range exchanges {
		byID[e.ExchID] = e
	}

	started, stopped := 0, 0
	for id, e := range desired {
		if _, ok := observed[id]; !ok {
			if err := c.cluster.Start(ctx, BuildSpec(e)); err != nil {
				c.log.Error().Err(err).Str("exch_id", id).Msg("failed to start exchange worker")
				continue
			}
			started++
			c.log.Info().Str("exch_id", id).Msg("started exchange worker")
		}
	}
	for id := range observed {
		if _, ok := desired[id]; !ok {
			if err := c.cluster.Stop(ctx, id); err != nil {
				c.log.Error().Err(err).Str("exch_id", id).Msg("failed to stop exchange worker")
				continue
			}
			stopped++
			c.log.Info().Str("exch_id", id).Msg("stopped exchange worker")
		}
	}

	for id := range observed {
		if _, stillDesired := desired[id]; !stillDesired {
			continue
		}
		if !c.cluster.Healthy(ctx, id) {
			c.log.Warn().Str("exch_id", id).Msg("exchange worker failed readiness probe; leaving for next reconcile")
		}
	}

	c.log.Info().
		Int("desired", len(desired)).
		Int("observed", len(observed)).
		Int("started", started).
		Int("stopped", stopped).
		Msg("reconcile tick complete")

	return nil
}
