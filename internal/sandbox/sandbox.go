// Package sandbox abstracts the container runtime that agent workloads
// execute in. The orchestrator only ever talks to the Runtime interface;
// the in-memory Fake backs tests and local development.
package sandbox

import (
	"context"
	"fmt"

	"warden/internal/domain"
)

// ManagedLabel marks every sandbox created here so orphan sweeps can find
// sandboxes whose agent record was lost.
const ManagedLabel = "warden.managed"

// CreateSpec describes a sandbox to create. Sandboxes always run with a
// read-only root filesystem, no privilege escalation and a non-root user;
// CreateSpec only carries what differs per agent.
type CreateSpec struct {
	Name    string
	Image   string
	Env     map[string]string
	Limits  domain.ResourceLimits
	Port    int
	Network string
	Labels  map[string]string
}

// Info is the runtime's view of one sandbox.
type Info struct {
	SandboxID   string
	Name        string
	Running     bool
	Paused      bool
	EndpointURL string
	Labels      map[string]string
}

// Stats is a raw resource usage sample. CPU counters are cumulative; the
// caller derives percentages from deltas between samples.
type Stats struct {
	CPUCumulativeNS uint64
	SystemCPUNS     uint64
	OnlineCPUs      int
	MemUsedBytes    uint64
	MemLimitBytes   uint64
}

// RuntimeError wraps a failed runtime operation with the sandbox it
// targeted.
type RuntimeError struct {
	Op        string
	SandboxID string
	Err       error
}

func (e *RuntimeError) Error() string {
	if e.SandboxID == "" {
		return fmt.Sprintf("sandbox %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("sandbox %s %s: %v", e.Op, e.SandboxID, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// Runtime is the container runtime surface the orchestrator needs.
type Runtime interface {
	Create(ctx context.Context, spec CreateSpec) (Info, error)
	Start(ctx context.Context, sandboxID string) error
	Stop(ctx context.Context, sandboxID string) error
	Pause(ctx context.Context, sandboxID string) error
	Unpause(ctx context.Context, sandboxID string) error
	Remove(ctx context.Context, sandboxID string) error
	Stats(ctx context.Context, sandboxID string) (Stats, error)
	ListManaged(ctx context.Context) ([]Info, error)
}
