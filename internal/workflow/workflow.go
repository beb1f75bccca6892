// Package workflow executes named DAGs of WorkflowTasks to completion,
// honoring dependencies, per-task timeouts, retries, priorities, and
// CRITICAL-task abort semantics. Retry/backoff and panic-recovery mirror the
// teacher's internal/queue.WorkerPool.processJob; the ready-queue ordering
// mirrows the teacher's trader/internal/queue.MemoryQueue.Dequeue.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/exosim/control-plane/internal/domain"
	"github.com/exosim/control-plane/internal/events"
	"github.com/exosim/control-plane/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TaskFunc is the work a WorkflowTask performs. It must return promptly
// after ctx is cancelled (per-task timeout or a CRITICAL-task abort).
type TaskFunc func(ctx context.Context, execContext map[string]interface{}) error

// ErrUnknownWorkflow is returned by Execute/Status for an unregistered name.
var ErrUnknownWorkflow = fmt.Errorf("workflow: unknown workflow")

type workflowDef struct {
	name  string
	tasks map[string]domain.WorkflowTask
	order []string
	funcs map[string]TaskFunc
	deps  map[string][]string // filtered: empty-string entries dropped
}

// Engine registers and executes workflow DAGs.
type Engine struct {
	mu          sync.Mutex
	workflows   map[string]*workflowDef
	store       store.Store
	bus         *events.Bus
	concurrency int
	log         zerolog.Logger
	now         func() time.Time

	execMu     sync.Mutex
	executions map[string]*domain.ExecutionRecord
}

// New builds an Engine. now defaults to time.Now when nil, letting tests
// inject a deterministic clock (spec.md §9: "Clocks MUST be injectable").
func New(st store.Store, bus *events.Bus, concurrency int, log zerolog.Logger, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Engine{
		workflows:   make(map[string]*workflowDef),
		store:       st,
		bus:         bus,
		concurrency: concurrency,
		log:         log.With().Str("component", "workflow_engine").Logger(),
		now:         now,
		executions:  make(map[string]*domain.ExecutionRecord),
	}
}

// RegisterWorkflow validates tasks as a DAG (no duplicate ids, no cycles,
// all non-empty dependencies resolved — empty-string dependency entries are
// treated as "no dependency", per the Open Question resolution) and
// registers name for Execute.
func (e *Engine) RegisterWorkflow(name string, tasks []domain.WorkflowTask, funcs map[string]TaskFunc) error {
	byID := make(map[string]domain.WorkflowTask, len(tasks))
	order := make([]string, 0, len(tasks))
	deps := make(map[string][]string, len(tasks))

	for _, t := range tasks {
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("workflow %q: duplicate task id %q", name, t.ID)
		}
		byID[t.ID] = t
		order = append(order, t.ID)

		filtered := make([]string, 0, len(t.Dependencies))
		for _, d := range t.Dependencies {
			if d == "" {
				continue
			}
			filtered = append(filtered, d)
		}
		deps[t.ID] = filtered
	}

	for id, ds := range deps {
		for _, d := range ds {
			if _, ok := byID[d]; !ok {
				return fmt.Errorf("workflow %q: task %q depends on unknown task %q", name, id, d)
			}
		}
		if _, ok := funcs[id]; !ok {
			return fmt.Errorf("workflow %q: task %q has no registered TaskFunc", name, id)
		}
	}

	if cyclePath := findCycle(deps); cyclePath != nil {
		return fmt.Errorf("workflow %q: dependency cycle detected: %v", name, cyclePath)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[name] = &workflowDef{name: name, tasks: byID, order: order, funcs: funcs, deps: deps}
	return nil
}

// findCycle returns a path demonstrating a cycle in deps, or nil if the
// graph is acyclic.
func findCycle(deps map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)
		for _, d := range deps[id] {
			switch color[d] {
			case gray:
				return append(append([]string{}, path...), d)
			case white:
				if cyc := visit(d); cyc != nil {
					return cyc
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for id := range deps {
		if color[id] == white {
			if cyc := visit(id); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

// runtimeState is the per-execution, per-task mutable state the scheduling
// loop advances.
type runtimeState struct {
	state       domain.TaskState
	attempt     int
	retriesLeft int
}

// execution is the live state of one Execute call.
type execution struct {
	def        *workflowDef
	executionID string
	execContext map[string]interface{}

	mu         sync.Mutex
	states     map[string]*runtimeState
	dependents map[string][]string
	remaining  int
	running    int
	aborted    bool
	stalled    bool

	completed int
	failed    int

	ready  *readyQueue
	ctx    context.Context
	cancel context.CancelFunc
}

// Execute runs workflow name to completion (or to a CRITICAL-task abort)
// and returns the final execution record.
func (e *Engine) Execute(ctx context.Context, name string, execContext map[string]interface{}) (domain.ExecutionRecord, error) {
	e.mu.Lock()
	def, ok := e.workflows[name]
	e.mu.Unlock()
	if !ok {
		return domain.ExecutionRecord{}, ErrUnknownWorkflow
	}

	executionID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ex := &execution{
		def:         def,
		executionID: executionID,
		execContext: execContext,
		states:      make(map[string]*runtimeState, len(def.order)),
		dependents:  make(map[string][]string),
		ready:       newReadyQueue(),
		ctx:         runCtx,
		cancel:      cancel,
	}

	for _, id := range def.order {
		task := def.tasks[id]
		ex.states[id] = &runtimeState{state: domain.TaskPending, retriesLeft: task.RetryCount}
		ex.remaining++
		for _, d := range def.deps[id] {
			ex.dependents[d] = append(ex.dependents[d], id)
		}
	}

	rec := domain.ExecutionRecord{
		ExecutionID: executionID,
		WorkflowName: name,
		StartedAt:   e.now(),
		TotalTasks:  len(def.order),
		Status:      domain.ExecutionRunning,
	}
	e.saveExecution(runCtx, rec)
	e.bus.Emit(events.EventWorkflowStarted, "workflow", map[string]interface{}{"execution_id": executionID, "name": name})

	for _, id := range def.order {
		if len(def.deps[id]) == 0 {
			ex.ready.Push(&taskRun{TaskID: id, Priority: def.tasks[id].Priority, AvailableAt: e.now()})
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < e.concurrency; i++ {
		wg.Add(1)
		go e.worker(ex, &wg)
	}
	wg.Wait()

	status := domain.ExecutionSuccess
	for _, id := range def.order {
		st := ex.states[id].state
		if st == domain.TaskFailed && def.tasks[id].SkipFlag {
			continue
		}
		if st != domain.TaskSuccess && st != domain.TaskSkipped {
			status = domain.ExecutionFailed
			break
		}
	}

	rec.CompletedAt = e.now()
	rec.CompletedTasks = ex.completed
	rec.FailedTasks = ex.failed
	rec.Status = status
	e.saveExecution(runCtx, rec)
	e.bus.Emit(events.EventWorkflowCompleted, "workflow", map[string]interface{}{
		"execution_id": executionID, "name": name, "status": string(status),
	})

	return rec, nil
}

// worker pulls ready task runs until the execution has no more remaining
// work, mirroring the teacher's WorkerPool.worker polling loop.
func (e *Engine) worker(ex *execution, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		ex.mu.Lock()
		done := ex.remaining == 0
		ex.mu.Unlock()
		if done {
			return
		}

		select {
		case <-ex.ctx.Done():
			return
		default:
		}

		run := ex.ready.Pop(e.now())
		if run == nil {
			e.finalizeIfStalled(ex)
			time.Sleep(20 * time.Millisecond)
			continue
		}

		ex.mu.Lock()
		ex.running++
		ex.mu.Unlock()

		e.runTask(ex, run)

		ex.mu.Lock()
		ex.running--
		ex.mu.Unlock()
	}
}

// finalizeIfStalled breaks a permanent deadlock: a task that fails after
// retries with skip_flag=false and priority below CRITICAL leaves its
// dependents blocked in PENDING (spec.md §4.4 names no cancellation path for
// this case explicitly, but Execute must still terminate). When no task is
// running, the ready queue is empty, and work remains, every still-PENDING
// task can never become ready — its blocking ancestor already failed
// terminally — so they are marked CANCELLED and counted against remaining.
func (e *Engine) finalizeIfStalled(ex *execution) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if ex.stalled || ex.aborted || ex.remaining == 0 || ex.running != 0 || ex.ready.Len() != 0 {
		return
	}
	ex.stalled = true

	for id, rs := range ex.states {
		if rs.state == domain.TaskPending {
			rs.state = domain.TaskCancelled
			ex.remaining--
			e.saveTaskRecordLocked(ex, id, domain.TaskCancelled, rs.attempt, "blocked on a failed dependency")
		}
	}
}

// runTask executes one task attempt with a per-task timeout deadline,
// recovers panics exactly as the teacher's processJob does, and applies
// retry/backoff, skip-propagation, or CRITICAL-abort on failure.
func (e *Engine) runTask(ex *execution, run *taskRun) {
	task := ex.def.tasks[run.TaskID]
	fn := ex.def.funcs[run.TaskID]

	ex.mu.Lock()
	rs := ex.states[run.TaskID]
	rs.state = domain.TaskRunning
	rs.attempt++
	attempt := rs.attempt
	ex.mu.Unlock()

	e.log.Debug().Str("execution_id", ex.executionID).Str("task_id", task.ID).Int("attempt", attempt).Msg("running task")
	e.saveTaskRecord(ex, task.ID, domain.TaskRunning, attempt, "")

	taskCtx := ex.ctx
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ex.ctx, task.Timeout)
		defer cancel()
	}

	err := e.invoke(taskCtx, fn, ex.execContext)
	timedOut := taskCtx.Err() == context.DeadlineExceeded

	if err == nil && !timedOut {
		e.onTaskSuccess(ex, task)
		return
	}

	if timedOut && err == nil {
		err = fmt.Errorf("task %q timed out after %s", task.ID, task.Timeout)
	}
	e.onTaskFailure(ex, task, err)
}

// invoke calls fn and converts a panic into an error, matching the
// teacher's defer-recover wrapping in processJob.
func (e *Engine) invoke(ctx context.Context, fn TaskFunc, execContext map[string]interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Msg("recovered panic in workflow task")
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx, execContext)
}

func (e *Engine) onTaskSuccess(ex *execution, task domain.WorkflowTask) {
	ex.mu.Lock()
	ex.states[task.ID].state = domain.TaskSuccess
	ex.remaining--
	ex.completed++
	ex.mu.Unlock()

	e.saveTaskRecord(ex, task.ID, domain.TaskSuccess, ex.states[task.ID].attempt, "")
	e.scanDependents(ex, task.ID)
}

func (e *Engine) onTaskFailure(ex *execution, task domain.WorkflowTask, taskErr error) {
	ex.mu.Lock()
	rs := ex.states[task.ID]
	if rs.retriesLeft > 0 {
		rs.retriesLeft--
		backoff := time.Duration(rs.attempt) * time.Second
		ex.mu.Unlock()
		e.log.Warn().Str("execution_id", ex.executionID).Str("task_id", task.ID).Err(taskErr).Dur("backoff", backoff).Msg("task failed, retrying")
		ex.ready.Push(&taskRun{TaskID: task.ID, Priority: task.Priority, AvailableAt: e.now().Add(backoff)})
		return
	}

	rs.state = domain.TaskFailed
	ex.remaining--
	ex.failed++
	critical := task.Priority == domain.PriorityCritical && !task.SkipFlag
	skip := task.SkipFlag
	ex.mu.Unlock()

	e.log.Error().Str("execution_id", ex.executionID).Str("task_id", task.ID).Err(taskErr).Msg("task failed after max retries")
	e.saveTaskRecord(ex, task.ID, domain.TaskFailed, ex.states[task.ID].attempt, taskErr.Error())

	switch {
	case critical:
		e.abortExecution(ex)
	case skip:
		e.cascadeSkip(ex, task.ID)
	default:
		// Dependents remain blocked (PENDING) until finalizeIfStalled
		// cancels them once no task is running and none can ever become
		// ready.
	}
}

// scanDependents enqueues any dependent whose dependencies are all now
// SUCCESS or SKIPPED.
func (e *Engine) scanDependents(ex *execution, finishedID string) {
	for _, depID := range ex.dependents[finishedID] {
		if e.dependenciesSatisfied(ex, depID) {
			ex.mu.Lock()
			already := ex.states[depID].state != domain.TaskPending
			ex.mu.Unlock()
			if already {
				continue
			}
			task := ex.def.tasks[depID]
			ex.ready.Push(&taskRun{TaskID: depID, Priority: task.Priority, AvailableAt: e.now()})
		}
	}
}

func (e *Engine) dependenciesSatisfied(ex *execution, taskID string) bool {
	for _, d := range ex.def.deps[taskID] {
		ex.mu.Lock()
		st := ex.states[d].state
		ex.mu.Unlock()
		if st != domain.TaskSuccess && st != domain.TaskSkipped {
			return false
		}
	}
	return true
}

// cascadeSkip marks every transitive dependent of a skip_flag=true failed
// task as SKIPPED, then continues scanning past them (a SKIPPED task
// satisfies its own dependents just like SUCCESS does).
func (e *Engine) cascadeSkip(ex *execution, failedID string) {
	queue := append([]string{}, ex.dependents[failedID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		ex.mu.Lock()
		rs := ex.states[id]
		if rs.state != domain.TaskPending {
			ex.mu.Unlock()
			continue
		}
		rs.state = domain.TaskSkipped
		ex.remaining--
		ex.mu.Unlock()

		e.saveTaskRecord(ex, id, domain.TaskSkipped, rs.attempt, "")
		queue = append(queue, ex.dependents[id]...)
		e.scanDependents(ex, id)
	}
}

// abortExecution cancels cooperative execution and marks every not-yet-
// terminal task CANCELLED.
func (e *Engine) abortExecution(ex *execution) {
	ex.mu.Lock()
	if ex.aborted {
		ex.mu.Unlock()
		return
	}
	ex.aborted = true
	ex.mu.Unlock()

	ex.cancel()

	ex.mu.Lock()
	for id, rs := range ex.states {
		if rs.state == domain.TaskPending || rs.state == domain.TaskRunning {
			rs.state = domain.TaskCancelled
			ex.remaining--
			e.saveTaskRecordLocked(ex, id, domain.TaskCancelled, rs.attempt, "execution aborted by CRITICAL task failure")
		}
	}
	ex.mu.Unlock()
}

func (e *Engine) saveExecution(ctx context.Context, rec domain.ExecutionRecord) {
	e.execMu.Lock()
	r := rec
	e.executions[rec.ExecutionID] = &r
	e.execMu.Unlock()

	if err := e.store.PutExecution(ctx, rec); err != nil {
		e.log.Error().Err(err).Str("execution_id", rec.ExecutionID).Msg("failed to persist execution record")
	}
}

func (e *Engine) saveTaskRecord(ex *execution, taskID string, state domain.TaskState, attempt int, errMsg string) {
	e.saveTaskRecordLocked(ex, taskID, state, attempt, errMsg)
}

func (e *Engine) saveTaskRecordLocked(ex *execution, taskID string, state domain.TaskState, attempt int, errMsg string) {
	rec := domain.TaskRecord{
		ExecutionID: ex.executionID,
		TaskID:      taskID,
		State:       state,
		Attempt:     attempt,
		Error:       errMsg,
	}
	if state == domain.TaskRunning {
		rec.StartedAt = e.now()
	} else {
		rec.EndedAt = e.now()
	}
	if err := e.store.PutTaskRecord(ex.ctx, rec); err != nil {
		e.log.Error().Err(err).Str("execution_id", ex.executionID).Str("task_id", taskID).Msg("failed to persist task record")
	}
	e.bus.Emit(events.EventWorkflowTaskTransitioned, "workflow", map[string]interface{}{
		"execution_id": ex.executionID, "task_id": taskID, "state": string(state),
	})
}

// Status returns a snapshot of a previously (or currently) executing
// execution_id.
func (e *Engine) Status(executionID string) (domain.ExecutionRecord, error) {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	rec, ok := e.executions[executionID]
	if !ok {
		return domain.ExecutionRecord{}, store.ErrNotFound
	}
	return *rec, nil
}
