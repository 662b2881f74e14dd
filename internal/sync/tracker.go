package sync

import (
	"sort"
	gosync "sync"
	"time"

	"github.com/google/uuid"
)

// OpType categorizes a pending operation for UI sync indicators.
type OpType string

const (
	OpMessage OpType = "message"
	OpList    OpType = "list"
	OpItem    OpType = "item"
	OpGroup   OpType = "group"
	OpOther   OpType = "other"
)

// Operation is one user-initiated mutation that has been applied locally
// but not yet confirmed by the server.
type Operation struct {
	ID          string    `json:"id"`
	Type        OpType    `json:"type"`
	Description string    `json:"description"`
	StartedAt   time.Time `json:"startedAt"`
}

// Tracker is the registry of in-flight operations, backing the "syncing"
// indicator in the presentation layer.
type Tracker struct {
	mu  gosync.RWMutex
	ops map[string]Operation
}

func NewTracker() *Tracker {
	return &Tracker{ops: make(map[string]Operation)}
}

// Add registers an operation and returns its id for later removal.
func (t *Tracker) Add(typ OpType, description string) string {
	id := string(typ) + "-" + uuid.NewString()
	t.mu.Lock()
	t.ops[id] = Operation{
		ID:          id,
		Type:        typ,
		Description: description,
		StartedAt:   time.Now(),
	}
	t.mu.Unlock()
	return id
}

// Remove deregisters an operation once it is confirmed, deferred, or
// rejected. Removing an unknown id is a no-op.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	delete(t.ops, id)
	t.mu.Unlock()
}

// HasPending reports whether any operation is still in flight.
func (t *Tracker) HasPending() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ops) > 0
}

// Count returns the number of in-flight operations.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ops)
}

// Operations returns the in-flight operations ordered by start time.
func (t *Tracker) Operations() []Operation {
	t.mu.RLock()
	ops := make([]Operation, 0, len(t.ops))
	for _, op := range t.ops {
		ops = append(ops, op)
	}
	t.mu.RUnlock()

	sort.Slice(ops, func(i, j int) bool { return ops[i].StartedAt.Before(ops[j].StartedAt) })
	return ops
}
