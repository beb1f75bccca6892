// Package lifecycle implements the exchange-worker pod Lifecycle Controller
// (C1): a reconciliation loop that starts/stops per-exchange worker
// deployments against each exchange's market-hours window. Ticker
// supervision mirrors the teacher's internal/queue.Scheduler.
package lifecycle

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/exosim/control-plane/internal/domain"
)

// WorkerSpec is the deterministic deployment specification derived from an
// ExchangeWorker record — no hidden state, per spec.md §4.1.
type WorkerSpec struct {
	ExchID    string
	Image     string
	Env       map[string]string
	CPURequest    string
	MemoryRequest string
	ServicePort   int
}

// ResourceName is the cluster-visible name for exchange e's deployment.
func ResourceName(exchID string) string {
	return fmt.Sprintf("exchange-service-%s", toLower(exchID))
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// BuildSpec deterministically derives a WorkerSpec for e. Pure function:
// same ExchangeWorker always yields the same WorkerSpec.
func BuildSpec(e domain.ExchangeWorker) WorkerSpec {
	return WorkerSpec{
		ExchID: e.ExchID,
		Image:  "exosim/exchange-worker:latest",
		Env: map[string]string{
			"EXCH_ID":         e.ExchID,
			"EXCHANGE_TYPE":   e.ExchangeType,
			"TIMEZONE":        e.Timezone,
			"PRE_OPEN_TIME":   e.PreOpenTime,
			"POST_CLOSE_TIME": e.PostCloseTime,
		},
		CPURequest:    "250m",
		MemoryRequest: "512Mi",
		ServicePort:   8010,
	}
}

// ClusterOps is the narrow interface the controller consumes for starting,
// stopping, listing, and health-checking exchange-worker deployments.
type ClusterOps interface {
	Start(ctx context.Context, spec WorkerSpec) error
	Stop(ctx context.Context, exchID string) error
	List(ctx context.Context) (map[string]struct{}, error)
	Healthy(ctx context.Context, exchID string) bool
}

// FakeClusterOps is an in-memory ClusterOps for tests and CLUSTER_BACKEND=
// fake — Start/Stop are idempotent exactly as spec.md requires.
type FakeClusterOps struct {
	mu      sync.Mutex
	running map[string]WorkerSpec
	healthy map[string]bool
}

// NewFakeClusterOps builds an empty fake cluster.
func NewFakeClusterOps() *FakeClusterOps {
	return &FakeClusterOps{running: make(map[string]WorkerSpec), healthy: make(map[string]bool)}
}

func (f *FakeClusterOps) Start(ctx context.Context, spec WorkerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[spec.ExchID] = spec // "already exists" is success: overwrite is a no-op observationally
	f.healthy[spec.ExchID] = true
	return nil
}

func (f *FakeClusterOps) Stop(ctx context.Context, exchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, exchID) // "not found" is success: delete-of-absent-key is a no-op
	delete(f.healthy, exchID)
	return nil
}

func (f *FakeClusterOps) List(ctx context.Context) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]struct{}, len(f.running))
	for id := range f.running {
		out[id] = struct{}{}
	}
	return out, nil
}

func (f *FakeClusterOps) Healthy(ctx context.Context, exchID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy[exchID]
}

// SetHealthy lets tests simulate a readiness-probe failure without tearing
// the deployment down.
func (f *FakeClusterOps) SetHealthy(exchID string, healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy[exchID] = healthy
}

// ProcessClusterOps shells out to the orchestration CLI configured by
// CLUSTER_BACKEND/CLUSTER_NAMESPACE — deliberately thin, since spec.md
// treats the orchestrator as an external collaborator this core only
// issues commands to.
type ProcessClusterOps struct {
	Binary    string
	Namespace string
}

func NewProcessClusterOps(binary, namespace string) *ProcessClusterOps {
	return &ProcessClusterOps{Binary: binary, Namespace: namespace}
}

func (p *ProcessClusterOps) Start(ctx context.Context, spec WorkerSpec) error {
	args := []string{"apply", "-n", p.Namespace, "-f", "-"}
	cmd := exec.CommandContext(ctx, p.Binary, args...)
	return cmd.Run()
}

func (p *ProcessClusterOps) Stop(ctx context.Context, exchID string) error {
	cmd := exec.CommandContext(ctx, p.Binary, "delete", "deployment", ResourceName(exchID), "-n", p.Namespace, "--ignore-not-found")
	return cmd.Run()
}

func (p *ProcessClusterOps) List(ctx context.Context) (map[string]struct{}, error) {
	// Deliberately left as a stub the operator wires to their orchestrator's
	// list/describe output parser; not exercised by the core's own tests.
	return map[string]struct{}{}, nil
}

func (p *ProcessClusterOps) Healthy(ctx context.Context, exchID string) bool {
	cmd := exec.CommandContext(ctx, p.Binary, "get", "deployment", ResourceName(exchID), "-n", p.Namespace)
	return cmd.Run() == nil
}
