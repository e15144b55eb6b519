package progress

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// TrackedOperation is one operation this client started and is therefore
// responsible for watching, as opposed to operations merely discovered in
// the server's global listing.
type TrackedOperation struct {
	OperationID   string `json:"operationId"`
	OperationType string `json:"operationType"`
	StartedAt     string `json:"startedAt,omitempty"`
}

type registrySnapshot struct {
	Operations map[string]TrackedOperation `json:"operations"`
}

// StateBackend persists the registry so a restarted client can resume
// watching its own operations.
type StateBackend interface {
	Load() (*registrySnapshot, error)
	Save(state *registrySnapshot) error
	Close() error
}

// Registry is the set of operation ids the local client owns. A nil
// backend keeps the set in memory only.
type Registry struct {
	mu      sync.Mutex
	backend StateBackend
	ops     map[string]TrackedOperation
	loaded  bool
}

func NewRegistry(backend StateBackend) *Registry {
	return &Registry{
		backend: backend,
		ops:     map[string]TrackedOperation{},
	}
}

func (r *Registry) Track(op TrackedOperation) error {
	if strings.TrimSpace(op.OperationID) == "" {
		return fmt.Errorf("operation id is required")
	}
	if op.StartedAt == "" {
		op.StartedAt = time.Now().UTC().Format(time.RFC3339)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}
	r.ops[op.OperationID] = op
	return r.saveLocked()
}

func (r *Registry) Untrack(operationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}
	if _, ok := r.ops[operationID]; !ok {
		return nil
	}
	delete(r.ops, operationID)
	return r.saveLocked()
}

// Rename moves a tracked operation to a new id, used when a placeholder id
// is reconciled with the server-issued one.
func (r *Registry) Rename(oldID, newID string) error {
	if oldID == "" || newID == "" || oldID == newID {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}
	op, ok := r.ops[oldID]
	if !ok {
		return nil
	}
	delete(r.ops, oldID)
	op.OperationID = newID
	r.ops[newID] = op
	return r.saveLocked()
}

func (r *Registry) Tracked(operationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return false
	}
	_, ok := r.ops[operationID]
	return ok
}

func (r *Registry) List() []TrackedOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return nil
	}
	out := make([]TrackedOperation, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OperationID < out[j].OperationID })
	return out
}

func (r *Registry) Close() error {
	if r.backend == nil {
		return nil
	}
	return r.backend.Close()
}

func (r *Registry) loadLocked() error {
	if r.loaded || r.backend == nil {
		r.loaded = true
		return nil
	}
	r.loaded = true
	snapshot, err := r.backend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil || snapshot.Operations == nil {
		return nil
	}
	r.ops = make(map[string]TrackedOperation, len(snapshot.Operations))
	for id, op := range snapshot.Operations {
		r.ops[id] = op
	}
	return nil
}

func (r *Registry) saveLocked() error {
	if r.backend == nil {
		return nil
	}
	snapshot := &registrySnapshot{Operations: make(map[string]TrackedOperation, len(r.ops))}
	for id, op := range r.ops {
		snapshot.Operations[id] = op
	}
	return r.backend.Save(snapshot)
}
