package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Fake is an in-memory Runtime for tests and local runs without a
// container daemon.
type Fake struct {
	mu        sync.Mutex
	sandboxes map[string]*fakeSandbox

	// FailCreate, when set, makes the next Create call fail.
	FailCreate error
	// NextStats is returned by Stats for every sandbox; tests mutate it to
	// simulate load.
	NextStats Stats
}

type fakeSandbox struct {
	info    Info
	removed bool
}

func NewFake() *Fake {
	return &Fake{
		sandboxes: map[string]*fakeSandbox{},
		NextStats: Stats{OnlineCPUs: 1, MemLimitBytes: 512 << 20},
	}
}

func (f *Fake) Create(_ context.Context, spec CreateSpec) (Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreate != nil {
		err := f.FailCreate
		f.FailCreate = nil
		return Info{}, &RuntimeError{Op: "create", Err: err}
	}
	id := "sbx-" + uuid.New().String()[:8]
	labels := map[string]string{ManagedLabel: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	info := Info{
		SandboxID:   id,
		Name:        spec.Name,
		EndpointURL: fmt.Sprintf("http://%s:%d", spec.Name, spec.Port),
		Labels:      labels,
	}
	f.sandboxes[id] = &fakeSandbox{info: info}
	return info, nil
}

func (f *Fake) Start(_ context.Context, id string) error {
	return f.update("start", id, func(s *fakeSandbox) {
		s.info.Running = true
		s.info.Paused = false
	})
}

func (f *Fake) Stop(_ context.Context, id string) error {
	return f.update("stop", id, func(s *fakeSandbox) {
		s.info.Running = false
		s.info.Paused = false
	})
}

func (f *Fake) Pause(_ context.Context, id string) error {
	return f.update("pause", id, func(s *fakeSandbox) { s.info.Paused = true })
}

func (f *Fake) Unpause(_ context.Context, id string) error {
	return f.update("unpause", id, func(s *fakeSandbox) { s.info.Paused = false })
}

func (f *Fake) Remove(_ context.Context, id string) error {
	return f.update("remove", id, func(s *fakeSandbox) { s.removed = true })
}

func (f *Fake) Stats(_ context.Context, id string) (Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sandboxes[id]
	if !ok || s.removed {
		return Stats{}, &RuntimeError{Op: "stats", SandboxID: id, Err: fmt.Errorf("not found")}
	}
	return f.NextStats, nil
}

func (f *Fake) ListManaged(_ context.Context) ([]Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Info
	for _, s := range f.sandboxes {
		if !s.removed && s.info.Labels[ManagedLabel] == "true" {
			out = append(out, s.info)
		}
	}
	return out, nil
}

// Exists reports whether a sandbox is present and not removed.
func (f *Fake) Exists(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sandboxes[id]
	return ok && !s.removed
}

// Running reports the running flag for a sandbox.
func (f *Fake) Running(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sandboxes[id]
	return ok && !s.removed && s.info.Running
}

// Paused reports the paused flag for a sandbox.
func (f *Fake) IsPaused(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sandboxes[id]
	return ok && !s.removed && s.info.Paused
}

// Inject registers a sandbox directly, bypassing Create. Tests use it to
// fabricate orphans.
func (f *Fake) Inject(info Info) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sandboxes[info.SandboxID] = &fakeSandbox{info: info}
}

func (f *Fake) update(op, id string, fn func(*fakeSandbox)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sandboxes[id]
	if !ok || s.removed {
		return &RuntimeError{Op: op, SandboxID: id, Err: fmt.Errorf("not found")}
	}
	fn(s)
	return nil
}
