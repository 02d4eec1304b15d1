package xkv

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/pregel-go/pregel"
)

// MemoryStore is an in-memory Store, grounded on checkpointer.MemorySaver's
// map-plus-mutex shape: suitable for tests and single-process development.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte // namespace -> key -> value
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	ns[key] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, namespace, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.data[namespace]
	if !ok {
		return nil, pregel.ErrNotFound
	}
	v, ok := ns[key]
	if !ok {
		return nil, pregel.ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ns, ok := m.data[namespace]; ok {
		delete(ns, key)
	}
	return nil
}

func (m *MemoryStore) Search(_ context.Context, namespace, prefix string, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.data[namespace]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(ns))
	for k := range ns {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	entries := make([]Entry, len(keys))
	for i, k := range keys {
		entries[i] = Entry{Namespace: namespace, Key: k, Value: ns[k]}
	}
	return entries, nil
}

func (m *MemoryStore) ListNamespaces(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.data))
	for ns, kv := range m.data {
		if len(kv) > 0 {
			names = append(names, ns)
		}
	}
	sort.Strings(names)
	return names, nil
}
