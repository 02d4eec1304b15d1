package checkpointer

import (
	"context"
	"errors"
	"sync"

	"github.com/dshills/pregel-go/pregel"
)

// ShallowSaver retains only the latest checkpoint per thread, matching
// spec §4.B/§8's shallow-backend invariant: "after put, previous
// checkpoints are not observable; history operations yield
// ShallowUnsupported". It wraps an inner Saver only for NextVersion and
// PutWrites pass-through (those carry no history themselves); Put,
// GetTuple, and List are served from ShallowSaver's own single-entry map
// rather than delegated, since delegating Put to inner would let inner
// silently retain the full history this type exists to discard.
type ShallowSaver struct {
	inner Saver

	mu     sync.RWMutex
	latest map[string]Checkpoint // "threadID\x00ns" -> most recent checkpoint
}

func NewShallowSaver(inner Saver) *ShallowSaver {
	return &ShallowSaver{inner: inner, latest: make(map[string]Checkpoint)}
}

func (s *ShallowSaver) GetTuple(ctx context.Context, threadID, checkpointNS, checkpointID string) (Tuple, error) {
	s.mu.RLock()
	cp, ok := s.latest[key(threadID, checkpointNS)]
	s.mu.RUnlock()
	if !ok {
		return Tuple{}, pregel.ErrNotFound
	}
	if checkpointID != "" && checkpointID != cp.ID {
		return Tuple{}, pregel.ErrShallowUnsupported
	}
	writes, err := s.inner.GetTuple(ctx, threadID, checkpointNS, cp.ID)
	if err != nil && !errors.Is(err, pregel.ErrNotFound) {
		return Tuple{}, err
	}
	return Tuple{Checkpoint: cp, PendingWrites: writes.PendingWrites}, nil
}

func (s *ShallowSaver) List(_ context.Context, _, _ string, _ ListFilter) ([]Tuple, error) {
	return nil, pregel.ErrShallowUnsupported
}

func (s *ShallowSaver) Put(_ context.Context, cp Checkpoint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[key(cp.ThreadID, cp.CheckpointNS)] = cp
	return cp.ID, nil
}

func (s *ShallowSaver) PutWrites(ctx context.Context, threadID, checkpointNS, checkpointID string, writes []PendingWrite) error {
	return s.inner.PutWrites(ctx, threadID, checkpointNS, checkpointID, writes)
}

func (s *ShallowSaver) NextVersion(ctx context.Context, threadID, channel string, current uint64) (uint64, error) {
	return s.inner.NextVersion(ctx, threadID, channel, current)
}
