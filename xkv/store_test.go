package xkv

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/pregel-go/pregel"
)

// storeFactories lists every backend this file's contract tests run
// against. SQLiteStore runs in-memory (":memory:") so the suite needs no
// external database, matching checkpointer_test.go's convention.
func storeFactories(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"MemoryStore": func() Store { return NewMemoryStore() },
		"SQLiteStore": func() Store {
			s, err := NewSQLiteStore(":memory:")
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			return s
		},
	}
}

func TestStoreGetMissingKeyReturnsNotFound(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			_, err := s.Get(context.Background(), "ns", "missing")
			if !errors.Is(err, pregel.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStorePutOverwritesPriorValue(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			if err := s.Put(ctx, "ns", "k", []byte("v1")); err != nil {
				t.Fatalf("Put v1: %v", err)
			}
			if err := s.Put(ctx, "ns", "k", []byte("v2")); err != nil {
				t.Fatalf("Put v2: %v", err)
			}
			got, err := s.Get(ctx, "ns", "k")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != "v2" {
				t.Fatalf("expected overwritten value v2, got %q", got)
			}
		})
	}
}

func TestStoreDeleteIsNoOpOnAbsentKey(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			if err := s.Delete(context.Background(), "ns", "absent"); err != nil {
				t.Fatalf("expected Delete of absent key to be a no-op, got %v", err)
			}
		})
	}
}

func TestStoreDeleteRemovesKey(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			if err := s.Put(ctx, "ns", "k", []byte("v")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.Delete(ctx, "ns", "k"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := s.Get(ctx, "ns", "k"); !errors.Is(err, pregel.ErrNotFound) {
				t.Fatalf("expected ErrNotFound after Delete, got %v", err)
			}
		})
	}
}

func TestStoreSearchOrdersByKeyAndRespectsPrefixAndLimit(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			for _, k := range []string{"user:2", "user:1", "user:3", "order:1"} {
				if err := s.Put(ctx, "ns", k, []byte(k)); err != nil {
					t.Fatalf("Put %s: %v", k, err)
				}
			}
			entries, err := s.Search(ctx, "ns", "user:", 0)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if len(entries) != 3 {
				t.Fatalf("expected 3 entries with prefix user:, got %d", len(entries))
			}
			if entries[0].Key != "user:1" || entries[1].Key != "user:2" || entries[2].Key != "user:3" {
				t.Fatalf("expected keys sorted ascending, got %v", keys(entries))
			}

			limited, err := s.Search(ctx, "ns", "user:", 2)
			if err != nil {
				t.Fatalf("Search (limit): %v", err)
			}
			if len(limited) != 2 {
				t.Fatalf("expected limit to cap results at 2, got %d", len(limited))
			}
		})
	}
}

func TestStoreSearchUnknownNamespaceReturnsEmpty(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			entries, err := s.Search(context.Background(), "missing-ns", "", 0)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if len(entries) != 0 {
				t.Fatalf("expected no entries for an unknown namespace, got %v", entries)
			}
		})
	}
}

func TestStoreListNamespacesOmitsEmptyAndSortsNames(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			if err := s.Put(ctx, "zeta", "k", []byte("v")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.Put(ctx, "alpha", "k", []byte("v")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			// "gone" held one key and is now empty, so it must be omitted.
			if err := s.Put(ctx, "gone", "k", []byte("v")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.Delete(ctx, "gone", "k"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			names, err := s.ListNamespaces(ctx)
			if err != nil {
				t.Fatalf("ListNamespaces: %v", err)
			}
			if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
				t.Fatalf("expected [alpha zeta], got %v", names)
			}
		})
	}
}

func keys(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}
