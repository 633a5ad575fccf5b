package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/plfanzen/backend/pkg/types"
)

// FakeDriver is an in-memory Driver used by tests. It mimics the
// Kubernetes driver's idempotency and its asynchronous phase
// transitions: created workloads start Pending and move to Running
// when the test calls MarkRunning, deletes are immediate.
type FakeDriver struct {
	mu        sync.Mutex
	workloads map[string]*Workload

	// CreateErr, when set, makes Create fail until cleared
	CreateErr error
	// ListErr, when set, makes List fail until cleared
	ListErr error

	creates int
	deletes int
}

// NewFakeDriver creates an empty fake driver
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{workloads: make(map[string]*Workload)}
}

func (f *FakeDriver) Create(ctx context.Context, key types.InstanceKey, def *types.ChallengeDefinition) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.creates++
	if f.CreateErr != nil {
		return "", f.CreateErr
	}

	ref := NamespaceName("fake", key)
	if _, exists := f.workloads[ref]; !exists {
		f.workloads[ref] = &Workload{
			Ref:   ref,
			Key:   key,
			Hash:  def.Hash[:12],
			Phase: types.PhasePending,
		}
	}
	return ref, nil
}

func (f *FakeDriver) Delete(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletes++
	delete(f.workloads, ref)
	return nil
}

func (f *FakeDriver) List(ctx context.Context) ([]Workload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]Workload, 0, len(f.workloads))
	for _, w := range f.workloads {
		out = append(out, *w)
	}
	return out, nil
}

// MarkRunning transitions a workload to Running with a synthetic endpoint
func (f *FakeDriver) MarkRunning(key types.InstanceKey, endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, w := range f.workloads {
		if w.Key == key {
			w.Phase = types.PhaseRunning
			w.Endpoint = endpoint
		}
	}
}

// Inject adds a workload directly, bypassing Create. Tests use it to
// simulate orphans left behind by a crashed manager.
func (f *FakeDriver) Inject(w Workload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w.Ref == "" {
		w.Ref = fmt.Sprintf("injected-%d", len(f.workloads))
	}
	copied := w
	f.workloads[w.Ref] = &copied
}

// Has reports whether a workload with the given key currently exists
func (f *FakeDriver) Has(key types.InstanceKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.workloads {
		if w.Key == key {
			return true
		}
	}
	return false
}

// Counts returns the number of create and delete calls so far
func (f *FakeDriver) Counts() (creates, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.deletes
}
