// Package xkv implements the cross-thread key-value store (spec §6.2): a
// namespaced Put/Get/Delete/Search surface shared by every thread in a
// process, distinct from checkpointer.Saver's per-thread run state.
package xkv

import "context"

// Entry is one stored key-value pair, returned by Search.
type Entry struct {
	Namespace string
	Key       string
	Value     []byte
}

// Store is the cross-thread KV contract every backend implements.
type Store interface {
	// Put writes value under (namespace, key), overwriting any prior value.
	Put(ctx context.Context, namespace, key string, value []byte) error

	// Get returns the value stored under (namespace, key), or NotFound.
	Get(ctx context.Context, namespace, key string) ([]byte, error)

	// Delete removes (namespace, key). Deleting an absent key is a no-op.
	Delete(ctx context.Context, namespace, key string) error

	// Search returns entries in namespace whose key starts with prefix,
	// ordered by key, capped at limit (0 means unlimited).
	Search(ctx context.Context, namespace, prefix string, limit int) ([]Entry, error)

	// ListNamespaces returns every namespace with at least one key.
	ListNamespaces(ctx context.Context) ([]string, error)
}
