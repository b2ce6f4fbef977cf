package correlation

import (
	"context"
	"sync"
)

// MemoryTable keeps correlations in process memory with a reverse index so
// PurgeVisitor only touches the visitor's own entries.
type MemoryTable struct {
	mu        sync.RWMutex
	byMessage map[int64]string
	byVisitor map[string]map[int64]struct{}
}

var _ Table = (*MemoryTable)(nil)

func NewMemoryTable() *MemoryTable {
	return &MemoryTable{
		byMessage: make(map[int64]string),
		byVisitor: make(map[string]map[int64]struct{}),
	}
}

func (t *MemoryTable) Record(_ context.Context, operatorMessageID int64, visitorID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.byMessage[operatorMessageID]; ok && prev != visitorID {
		t.unindexLocked(prev, operatorMessageID)
	}

	t.byMessage[operatorMessageID] = visitorID
	ids, ok := t.byVisitor[visitorID]
	if !ok {
		ids = make(map[int64]struct{})
		t.byVisitor[visitorID] = ids
	}
	ids[operatorMessageID] = struct{}{}
	return nil
}

func (t *MemoryTable) Resolve(_ context.Context, operatorMessageID int64) (string, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	visitorID, ok := t.byMessage[operatorMessageID]
	return visitorID, ok, nil
}

func (t *MemoryTable) PurgeVisitor(_ context.Context, visitorID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id := range t.byVisitor[visitorID] {
		delete(t.byMessage, id)
	}
	delete(t.byVisitor, visitorID)
	return nil
}

// Len reports the number of live correlations.
func (t *MemoryTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byMessage)
}

func (t *MemoryTable) unindexLocked(visitorID string, operatorMessageID int64) {
	ids := t.byVisitor[visitorID]
	delete(ids, operatorMessageID)
	if len(ids) == 0 {
		delete(t.byVisitor, visitorID)
	}
}
