package workflow

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger is one SOD/EOD schedule entry: run workflowName at cronSpec.
type Trigger struct {
	WorkflowName string
	CronSpec     string
	ExecContext  map[string]interface{}
}

// CronRunner drives registered Triggers against an Engine using
// robfig/cron/v3, the same library the teacher's internal/di wiring names
// for its metadata-sync job.
type CronRunner struct {
	engine *Engine
	cr     *cron.Cron
}

// NewCronRunner builds a CronRunner bound to engine. Cron specs are
// evaluated in UTC, matching the UTC convention every other timestamp in
// this codebase follows (domain.MarketHoursWindow, event envelopes, store
// records).
func NewCronRunner(engine *Engine) *CronRunner {
	return &CronRunner{engine: engine, cr: cron.New(cron.WithLocation(time.UTC))}
}

// Register schedules trigger. ctx is the root context passed to every
// Execute call the trigger fires.
func (r *CronRunner) Register(ctx context.Context, trigger Trigger) error {
	_, err := r.cr.AddFunc(trigger.CronSpec, func() {
		_, _ = r.engine.Execute(ctx, trigger.WorkflowName, trigger.ExecContext)
	})
	return err
}

// Start begins the cron scheduler's background goroutine.
func (r *CronRunner) Start() { r.cr.Start() }

// Stop halts the cron scheduler, waiting for any in-flight trigger callback
// to return.
func (r *CronRunner) Stop() { <-r.cr.Stop().Done() }
