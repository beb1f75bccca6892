package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/exosim/control-plane/internal/domain"
	"github.com/exosim/control-plane/internal/events"
	"github.com/exosim/control-plane/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	st := store.NewMemoryStore()
	bus := events.NewBus(zerolog.Nop())
	return New(st, bus, 4, zerolog.Nop(), nil)
}

func ok(ctx context.Context, execContext map[string]interface{}) error { return nil }

func failing(ctx context.Context, execContext map[string]interface{}) error {
	return errors.New("boom")
}

// TestWorkflowDAGWithSkip implements seed scenario S4: t1 -> t2 -> t3,
// t2.skip_flag=true, t2 fails after retries; t3 should be SKIPPED and the
// overall execution SUCCESS.
func TestWorkflowDAGWithSkip(t *testing.T) {
	e := newTestEngine(t)
	tasks := []domain.WorkflowTask{
		{ID: "t1", Priority: domain.PriorityMedium, Timeout: time.Second},
		{ID: "t2", Dependencies: []string{"t1"}, Priority: domain.PriorityMedium, SkipFlag: true, Timeout: time.Second},
		{ID: "t3", Dependencies: []string{"t2"}, Priority: domain.PriorityMedium, Timeout: time.Second},
	}
	funcs := map[string]TaskFunc{
		"t1": ok,
		"t2": failing,
		"t3": ok,
	}
	require.NoError(t, e.RegisterWorkflow("sod", tasks, funcs))

	rec, err := e.Execute(context.Background(), "sod", nil)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionSuccess, rec.Status)

	recs, err := e.store.ListTaskRecords(context.Background(), rec.ExecutionID)
	require.NoError(t, err)
	final := map[string]domain.TaskState{}
	for _, r := range recs {
		final[r.TaskID] = r.State
	}
	require.Equal(t, domain.TaskSuccess, final["t1"])
	require.Equal(t, domain.TaskFailed, final["t2"])
	require.Equal(t, domain.TaskSkipped, final["t3"])
}

// TestWorkflowCriticalAbort implements seed scenario S5: a (CRITICAL,
// skip=false) -> b, c. a fails after all retries; b and c are CANCELLED,
// execution FAILED, failed_tasks=1, completed_tasks=0.
func TestWorkflowCriticalAbort(t *testing.T) {
	e := newTestEngine(t)
	tasks := []domain.WorkflowTask{
		{ID: "a", Priority: domain.PriorityCritical, SkipFlag: false, Timeout: time.Second},
		{ID: "b", Dependencies: []string{"a"}, Priority: domain.PriorityMedium, Timeout: time.Second},
		{ID: "c", Dependencies: []string{"a"}, Priority: domain.PriorityMedium, Timeout: time.Second},
	}
	funcs := map[string]TaskFunc{
		"a": failing,
		"b": ok,
		"c": ok,
	}
	require.NoError(t, e.RegisterWorkflow("eod", tasks, funcs))

	rec, err := e.Execute(context.Background(), "eod", nil)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionFailed, rec.Status)
	require.Equal(t, 1, rec.FailedTasks)
	require.Equal(t, 0, rec.CompletedTasks)

	recs, err := e.store.ListTaskRecords(context.Background(), rec.ExecutionID)
	require.NoError(t, err)
	final := map[string]domain.TaskState{}
	for _, r := range recs {
		final[r.TaskID] = r.State
	}
	require.Equal(t, domain.TaskFailed, final["a"])
	require.Equal(t, domain.TaskCancelled, final["b"])
	require.Equal(t, domain.TaskCancelled, final["c"])
}

// TestNonCriticalFailureBlocksThenCancelsDependents: a MEDIUM-priority,
// skip_flag=false task fails after retries; its dependent can never become
// ready, so Execute must still terminate (via finalizeIfStalled) rather than
// hang, with the dependent ending CANCELLED.
func TestNonCriticalFailureBlocksThenCancelsDependents(t *testing.T) {
	e := newTestEngine(t)
	tasks := []domain.WorkflowTask{
		{ID: "t1", Priority: domain.PriorityMedium, SkipFlag: false, Timeout: time.Second},
		{ID: "t2", Dependencies: []string{"t1"}, Priority: domain.PriorityMedium, Timeout: time.Second},
	}
	funcs := map[string]TaskFunc{"t1": failing, "t2": ok}
	require.NoError(t, e.RegisterWorkflow("blocked", tasks, funcs))

	done := make(chan domain.ExecutionRecord, 1)
	go func() {
		rec, err := e.Execute(context.Background(), "blocked", nil)
		require.NoError(t, err)
		done <- rec
	}()

	select {
	case rec := <-done:
		require.Equal(t, domain.ExecutionFailed, rec.Status)
		recs, err := e.store.ListTaskRecords(context.Background(), rec.ExecutionID)
		require.NoError(t, err)
		final := map[string]domain.TaskState{}
		for _, r := range recs {
			final[r.TaskID] = r.State
		}
		require.Equal(t, domain.TaskFailed, final["t1"])
		require.Equal(t, domain.TaskCancelled, final["t2"])
	case <-time.After(5 * time.Second):
		t.Fatal("Execute hung on a permanently blocked dependent")
	}
}

// TestRegisterWorkflow_EmptyDependencyIsNoDependency covers the Open
// Question resolution: an empty-string dependency id means "no dependency".
func TestRegisterWorkflow_EmptyDependencyIsNoDependency(t *testing.T) {
	e := newTestEngine(t)
	tasks := []domain.WorkflowTask{
		{ID: "t1", Dependencies: []string{""}, Priority: domain.PriorityLow, Timeout: time.Second},
	}
	require.NoError(t, e.RegisterWorkflow("wf", tasks, map[string]TaskFunc{"t1": ok}))

	rec, err := e.Execute(context.Background(), "wf", nil)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionSuccess, rec.Status)
}

func TestRegisterWorkflow_RejectsCycle(t *testing.T) {
	e := newTestEngine(t)
	tasks := []domain.WorkflowTask{
		{ID: "t1", Dependencies: []string{"t2"}},
		{ID: "t2", Dependencies: []string{"t1"}},
	}
	err := e.RegisterWorkflow("cyclic", tasks, map[string]TaskFunc{"t1": ok, "t2": ok})
	require.Error(t, err)
}

func TestRegisterWorkflow_RejectsDuplicateID(t *testing.T) {
	e := newTestEngine(t)
	tasks := []domain.WorkflowTask{{ID: "t1"}, {ID: "t1"}}
	err := e.RegisterWorkflow("dup", tasks, map[string]TaskFunc{"t1": ok})
	require.Error(t, err)
}

// TestExecutionSuccessInvariant is testable invariant #5: for every
// execution that terminates SUCCESS, every task is SUCCESS or SKIPPED (or
// FAILED with skip_flag set) and completed+failed <= total.
func TestExecutionSuccessInvariant(t *testing.T) {
	e := newTestEngine(t)
	tasks := []domain.WorkflowTask{
		{ID: "t1", Priority: domain.PriorityHigh, Timeout: time.Second},
		{ID: "t2", Dependencies: []string{"t1"}, Priority: domain.PriorityHigh, Timeout: time.Second},
	}
	require.NoError(t, e.RegisterWorkflow("plain", tasks, map[string]TaskFunc{"t1": ok, "t2": ok}))

	rec, err := e.Execute(context.Background(), "plain", nil)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionSuccess, rec.Status)
	require.LessOrEqual(t, rec.CompletedTasks+rec.FailedTasks, rec.TotalTasks)
}
