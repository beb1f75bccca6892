package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/exosim/control-plane/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestCronRunner_FiresRegisteredTrigger(t *testing.T) {
	e := newTestEngine(t)
	tasks := []domain.WorkflowTask{
		{ID: "t1", Priority: domain.PriorityMedium, Timeout: time.Second},
	}
	ran := make(chan struct{}, 1)
	require.NoError(t, e.RegisterWorkflow("sod", tasks, map[string]TaskFunc{
		"t1": func(ctx context.Context, execContext map[string]interface{}) error {
			select {
			case ran <- struct{}{}:
			default:
			}
			return nil
		},
	}))

	runner := NewCronRunner(e)
	require.NoError(t, runner.Register(context.Background(), Trigger{
		WorkflowName: "sod",
		CronSpec:     "* * * * *",
		ExecContext:  map[string]interface{}{"exch_id": "NYSE"},
	}))

	// Invoke the registered job directly instead of waiting on the real
	// minute boundary robfig/cron's default (seconds-less) parser schedules
	// against.
	entries := runner.cr.Entries()
	require.Len(t, entries, 1)
	entries[0].Job.Run()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("cron job did not execute the registered workflow")
	}
}

func TestCronRunner_RegisterRejectsInvalidSpec(t *testing.T) {
	e := newTestEngine(t)
	runner := NewCronRunner(e)
	err := runner.Register(context.Background(), Trigger{
		WorkflowName: "sod",
		CronSpec:     "not a cron spec",
	})
	require.Error(t, err)
}

func TestCronRunner_StopIsIdempotentAndBlocksUntilDrained(t *testing.T) {
	e := newTestEngine(t)
	runner := NewCronRunner(e)
	runner.Start()
	runner.Stop()
	runner.Stop()
}
