package workflow

import (
	"sort"
	"sync"
	"time"

	"github.com/exosim/control-plane/internal/domain"
)

// taskRun is one ready-queue entry: a task awaiting execution (or
// re-execution, after a retry backoff) within one workflow execution.
type taskRun struct {
	TaskID      string
	Priority    domain.TaskPriority
	AvailableAt time.Time
	Seq         int64 // enqueue sequence, breaks priority ties FIFO
}

// readyQueue is an in-memory priority queue: pop the highest-priority run,
// earliest-enqueued among equals. Sort algorithm is the teacher's
// trader/internal/queue.MemoryQueue.Dequeue, generalized from *Job to
// taskRun and with FIFO-within-priority added via a monotonic sequence
// number (the teacher breaks ties by AvailableAt alone, which is not
// sufficient once many runs share one backoff-free AvailableAt).
type readyQueue struct {
	mu      sync.Mutex
	runs    []*taskRun
	nextSeq int64
}

func newReadyQueue() *readyQueue {
	return &readyQueue{runs: make([]*taskRun, 0)}
}

// Push enqueues run, stamping it with the next sequence number (any
// previous Seq is overwritten).
func (q *readyQueue) Push(run *taskRun) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSeq++
	run.Seq = q.nextSeq
	q.runs = append(q.runs, run)
}

// Pop removes and returns the highest-priority available run (AvailableAt
// <= now). Returns nil if none are currently available.
func (q *readyQueue) Pop(now time.Time) *taskRun {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.runs) == 0 {
		return nil
	}

	available := make([]*taskRun, 0, len(q.runs))
	for _, r := range q.runs {
		if !r.AvailableAt.After(now) {
			available = append(available, r)
		}
	}
	if len(available) == 0 {
		return nil
	}

	sort.Slice(available, func(i, j int) bool {
		if available[i].Priority != available[j].Priority {
			return available[i].Priority > available[j].Priority
		}
		return available[i].Seq < available[j].Seq
	})

	selected := available[0]
	for i, r := range q.runs {
		if r == selected {
			q.runs = append(q.runs[:i], q.runs[i+1:]...)
			break
		}
	}
	return selected
}

// Len reports the number of runs currently queued (available or not).
func (q *readyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.runs)
}
