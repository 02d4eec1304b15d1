package checkpointer

import (
	"context"
	"sort"
	"sync"

	"github.com/dshills/pregel-go/pregel"
)

// MemorySaver is an in-memory Saver, grounded on the teacher's MemStore
// (graph/store/memory.go): map-backed, mutex-guarded, full history kept —
// suitable for tests, development, and short-lived threads. Like the
// teacher's MemStore, data does not survive process restart.
type MemorySaver struct {
	mu     sync.RWMutex
	byKey  map[string][]Checkpoint // "threadID\x00ns" -> history, oldest first
	writes map[string][]PendingWrite // "threadID\x00ns\x00checkpointID" -> pending writes
}

func NewMemorySaver() *MemorySaver {
	return &MemorySaver{
		byKey:  make(map[string][]Checkpoint),
		writes: make(map[string][]PendingWrite),
	}
}

func key(threadID, ns string) string { return threadID + "\x00" + ns }

func writeKey(threadID, ns, checkpointID string) string { return threadID + "\x00" + ns + "\x00" + checkpointID }

func (m *MemorySaver) GetTuple(_ context.Context, threadID, ns, checkpointID string) (Tuple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.byKey[key(threadID, ns)]
	if len(history) == 0 {
		return Tuple{}, pregel.ErrNotFound
	}

	var cp Checkpoint
	var parentID string
	if checkpointID == "" {
		cp = history[len(history)-1]
		if len(history) > 1 {
			parentID = history[len(history)-2].ID
		}
	} else {
		found := false
		for i, c := range history {
			if c.ID == checkpointID {
				cp = c
				found = true
				if i > 0 {
					parentID = history[i-1].ID
				}
				break
			}
		}
		if !found {
			return Tuple{}, pregel.ErrNotFound
		}
	}

	return Tuple{
		Checkpoint:    cp,
		ParentID:      parentID,
		PendingWrites: append([]PendingWrite(nil), m.writes[writeKey(threadID, ns, cp.ID)]...),
	}, nil
}

func (m *MemorySaver) List(_ context.Context, threadID, ns string, filter ListFilter) ([]Tuple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.byKey[key(threadID, ns)]
	result := make([]Tuple, 0, len(history))
	// newest first
	for i := len(history) - 1; i >= 0; i-- {
		cp := history[i]
		if filter.Before != "" && cp.ID >= filter.Before {
			continue
		}
		if !matchesMetadata(cp.Metadata, filter.Metadata) {
			continue
		}
		var parentID string
		if i > 0 {
			parentID = history[i-1].ID
		}
		result = append(result, Tuple{Checkpoint: cp, ParentID: parentID})
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func matchesMetadata(md Metadata, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	if src, ok := filter["source"]; ok && src != md.Source {
		return false
	}
	if step, ok := filter["step"]; ok {
		if s, ok := step.(int); ok && s != md.Step {
			return false
		}
	}
	return true
}

func (m *MemorySaver) Put(_ context.Context, cp Checkpoint) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(cp.ThreadID, cp.CheckpointNS)
	history := m.byKey[k]
	for _, existing := range history {
		if existing.ID == cp.ID {
			// idempotent re-commit of an already-stored checkpoint
			return cp.ID, nil
		}
	}
	m.byKey[k] = append(history, cp)
	return cp.ID, nil
}

func (m *MemorySaver) PutWrites(_ context.Context, threadID, ns, checkpointID string, writes []PendingWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wk := writeKey(threadID, ns, checkpointID)
	existing := m.writes[wk]
	byTaskChannel := make(map[string]int, len(existing))
	for i, w := range existing {
		byTaskChannel[w.TaskID+"\x00"+w.Channel] = i
	}
	for _, w := range writes {
		if i, ok := byTaskChannel[w.TaskID+"\x00"+w.Channel]; ok {
			existing[i] = w
			continue
		}
		existing = append(existing, w)
		byTaskChannel[w.TaskID+"\x00"+w.Channel] = len(existing) - 1
	}
	m.writes[wk] = existing
	return nil
}

func (m *MemorySaver) NextVersion(_ context.Context, _, _ string, current uint64) (uint64, error) {
	return current + 1, nil
}

// threadIDs returns every thread with at least one checkpoint, sorted, for
// administrative/debug listing (not part of the Saver contract).
func (m *MemorySaver) threadIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	for k := range m.byKey {
		for i := 0; i < len(k); i++ {
			if k[i] == 0 {
				seen[k[:i]] = true
				break
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
