package checkpointer

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/pregel-go/pregel"
)

// saverFactories lists every backend this file's contract tests run
// against. SQLiteSaver runs in-memory (":memory:") so the suite needs no
// external database, matching the teacher's own sqlite_test.go convention.
func saverFactories(t *testing.T) map[string]func() Saver {
	t.Helper()
	return map[string]func() Saver{
		"MemorySaver": func() Saver { return NewMemorySaver() },
		"SQLiteSaver": func() Saver {
			s, err := NewSQLiteSaver(":memory:")
			if err != nil {
				t.Fatalf("NewSQLiteSaver: %v", err)
			}
			return s
		},
	}
}

func testCheckpoint(threadID, id string, step int) Checkpoint {
	return Checkpoint{
		ID:              id,
		ThreadID:        threadID,
		CheckpointNS:    "",
		ChannelValues:   map[string][]byte{"n": []byte(id)},
		ChannelTypes:    map[string]string{"n": "json"},
		ChannelVersions: map[string]uint64{"n": uint64(step)},
		Metadata:        Metadata{Source: "loop", Step: step},
	}
}

func TestSaverGetTupleNotFound(t *testing.T) {
	for name, newSaver := range saverFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newSaver()
			_, err := s.GetTuple(context.Background(), "missing-thread", "", "")
			if !errors.Is(err, pregel.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestSaverPutAndGetLatest(t *testing.T) {
	for name, newSaver := range saverFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newSaver()
			ctx := context.Background()
			cp1 := testCheckpoint("t", "cp-1", 1)
			cp2 := testCheckpoint("t", "cp-2", 2)
			if _, err := s.Put(ctx, cp1); err != nil {
				t.Fatalf("Put cp1: %v", err)
			}
			if _, err := s.Put(ctx, cp2); err != nil {
				t.Fatalf("Put cp2: %v", err)
			}

			tuple, err := s.GetTuple(ctx, "t", "", "")
			if err != nil {
				t.Fatalf("GetTuple: %v", err)
			}
			if tuple.Checkpoint.ID != "cp-2" {
				t.Fatalf("expected latest checkpoint cp-2, got %s", tuple.Checkpoint.ID)
			}
			if tuple.ParentID != "cp-1" {
				t.Fatalf("expected parent cp-1, got %q", tuple.ParentID)
			}
		})
	}
}

func TestSaverPutIsIdempotent(t *testing.T) {
	for name, newSaver := range saverFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newSaver()
			ctx := context.Background()
			cp := testCheckpoint("t", "cp-1", 1)
			for i := 0; i < 3; i++ {
				if _, err := s.Put(ctx, cp); err != nil {
					t.Fatalf("Put (attempt %d): %v", i, err)
				}
			}
			tuples, err := s.List(ctx, "t", "", ListFilter{})
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(tuples) != 1 {
				t.Fatalf("expected idempotent Put to leave exactly one checkpoint, got %d", len(tuples))
			}
		})
	}
}

func TestSaverListNewestFirstAndBefore(t *testing.T) {
	for name, newSaver := range saverFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newSaver()
			ctx := context.Background()
			for i, id := range []string{"cp-1", "cp-2", "cp-3"} {
				if _, err := s.Put(ctx, testCheckpoint("t", id, i+1)); err != nil {
					t.Fatalf("Put %s: %v", id, err)
				}
			}
			all, err := s.List(ctx, "t", "", ListFilter{})
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(all) != 3 || all[0].Checkpoint.ID != "cp-3" || all[2].Checkpoint.ID != "cp-1" {
				t.Fatalf("expected newest-first [cp-3 cp-2 cp-1], got %v", ids(all))
			}

			before, err := s.List(ctx, "t", "", ListFilter{Before: "cp-3"})
			if err != nil {
				t.Fatalf("List (before): %v", err)
			}
			if len(before) != 2 {
				t.Fatalf("expected 2 checkpoints before cp-3, got %d", len(before))
			}
		})
	}
}

func TestSaverPutWritesUpsertsByTaskAndChannel(t *testing.T) {
	for name, newSaver := range saverFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newSaver()
			ctx := context.Background()
			cp := testCheckpoint("t", "cp-1", 1)
			if _, err := s.Put(ctx, cp); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.PutWrites(ctx, "t", "", "cp-1", []PendingWrite{{TaskID: "task-a", Channel: "n", Value: []byte("1")}}); err != nil {
				t.Fatalf("PutWrites: %v", err)
			}
			if err := s.PutWrites(ctx, "t", "", "cp-1", []PendingWrite{{TaskID: "task-a", Channel: "n", Value: []byte("2")}}); err != nil {
				t.Fatalf("PutWrites (replay): %v", err)
			}
			tuple, err := s.GetTuple(ctx, "t", "", "cp-1")
			if err != nil {
				t.Fatalf("GetTuple: %v", err)
			}
			if len(tuple.PendingWrites) != 1 {
				t.Fatalf("expected one upserted write for (task-a, n), got %d", len(tuple.PendingWrites))
			}
			if string(tuple.PendingWrites[0].Value) != "2" {
				t.Fatalf("expected upsert to keep the latest value, got %q", tuple.PendingWrites[0].Value)
			}
		})
	}
}

func TestSaverNextVersionIsMonotonic(t *testing.T) {
	for name, newSaver := range saverFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newSaver()
			ctx := context.Background()
			v1, err := s.NextVersion(ctx, "t", "n", 0)
			if err != nil {
				t.Fatalf("NextVersion: %v", err)
			}
			v2, err := s.NextVersion(ctx, "t", "n", v1)
			if err != nil {
				t.Fatalf("NextVersion: %v", err)
			}
			if v2 <= v1 {
				t.Fatalf("expected strictly increasing versions, got %d then %d", v1, v2)
			}
		})
	}
}

// TestShallowSaverOnlyRetainsLatest exercises spec §6.2's shallow-saver
// invariant: prior checkpoints are not observable through a ShallowSaver,
// which keeps only the latest one and does not pass Put through to the
// inner Saver.
func TestShallowSaverOnlyRetainsLatest(t *testing.T) {
	inner := NewMemorySaver()
	shallow := NewShallowSaver(inner)
	ctx := context.Background()

	cp1 := testCheckpoint("t", "cp-1", 1)
	cp2 := testCheckpoint("t", "cp-2", 2)
	if _, err := shallow.Put(ctx, cp1); err != nil {
		t.Fatalf("Put cp1: %v", err)
	}
	if _, err := shallow.Put(ctx, cp2); err != nil {
		t.Fatalf("Put cp2: %v", err)
	}

	tuple, err := shallow.GetTuple(ctx, "t", "", "")
	if err != nil {
		t.Fatalf("GetTuple: %v", err)
	}
	if tuple.Checkpoint.ID != "cp-2" {
		t.Fatalf("expected latest checkpoint cp-2, got %s", tuple.Checkpoint.ID)
	}

	if _, err := shallow.GetTuple(ctx, "t", "", "cp-1"); !errors.Is(err, pregel.ErrShallowUnsupported) {
		t.Fatalf("expected ShallowUnsupported for a non-latest checkpoint ID, got %v", err)
	}
	if _, err := shallow.List(ctx, "t", "", ListFilter{}); !errors.Is(err, pregel.ErrShallowUnsupported) {
		t.Fatalf("expected ShallowUnsupported from List, got %v", err)
	}
}

func ids(tuples []Tuple) []string {
	out := make([]string, len(tuples))
	for i, tu := range tuples {
		out[i] = tu.Checkpoint.ID
	}
	return out
}
