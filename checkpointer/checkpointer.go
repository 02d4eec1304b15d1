// Package checkpointer implements the durable checkpoint contract
// (spec §4.B / §6.1): atomic Put of per-thread execution snapshots,
// PutWrites for crash-recoverable intermediate task output, and version
// minting for channels. It supersedes the teacher's Store[S] contract
// (graph/store/store.go) — richer because a Pregel run has many named
// channels instead of one shared state struct, and must support
// time-travel (List/GetTuple by-before) instead of only latest-state
// resumption.
package checkpointer

import (
	"context"
	"time"
)

// Metadata records why a checkpoint was written, matching spec §3 exactly.
type Metadata struct {
	Source  string         `json:"source"` // "input" | "loop" | "update" | "fork"
	Step    int            `json:"step"`
	Writes  map[string]any `json:"writes,omitempty"`
	Parents map[string]string `json:"parents,omitempty"` // checkpoint_ns -> checkpoint_id

	// IdempotencyKey hashes (ThreadID, Step, sorted channel values) into a
	// fingerprint of the commit's content. It is recorded only: no Saver
	// compares keys, Put deduplicates by checkpoint ID alone, and every
	// checkpointStep commit gets a fresh ID.
	// Format: "sha256:<hex>".
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Checkpoint is a durable snapshot of one superstep's end state for one
// thread, mirroring spec §3's Checkpoint(K) shape.
type Checkpoint struct {
	Version         uint64            `json:"version"`
	ID              string            `json:"id"`
	Ts              time.Time         `json:"ts"`
	ThreadID        string            `json:"thread_id"`
	CheckpointNS    string            `json:"checkpoint_ns"`
	ChannelValues   map[string][]byte `json:"channel_values"`
	ChannelTypes    map[string]string `json:"channel_types"`
	ChannelVersions map[string]uint64 `json:"channel_versions"`
	VersionsSeen    map[string]map[string]uint64 `json:"versions_seen"` // actor -> channel -> version
	PendingSends    []PendingSend     `json:"pending_sends"`
	Metadata        Metadata          `json:"metadata"`
}

// PendingSend is a Send queued for delivery at the start of the next
// superstep, persisted so a crash between "Send produced" and "Send
// delivered" cannot lose it.
type PendingSend struct {
	To    string `json:"to"`
	Input []byte `json:"input"`
}

// PendingWrite is one task's output, persisted via PutWrites before the
// superstep's full checkpoint commits — the mechanism that makes
// individual task results durable even if the process crashes mid-step.
type PendingWrite struct {
	TaskID  string `json:"task_id"`
	Channel string `json:"channel"`
	Value   []byte `json:"value"`
}

// Tuple bundles a checkpoint with its parent pointer and any pending
// writes recorded after it but before the next checkpoint committed —
// everything GetTuple/List need to hand back for resumption.
type Tuple struct {
	Checkpoint    Checkpoint
	ParentID      string
	PendingWrites []PendingWrite
}

// ListFilter narrows List results by metadata fields and/or a "before"
// checkpoint ID for time-travel (spec §6.1).
type ListFilter struct {
	Before   string
	Limit    int
	Metadata map[string]any
}

// Saver is the checkpointer contract every backend implements. All calls
// take ctx so there is no separate sync/async split (Go's context already
// threads cancellation through both).
type Saver interface {
	// GetTuple returns the checkpoint tuple for threadID, or the specific
	// checkpointID within it when non-empty. Returns NotFound if absent.
	GetTuple(ctx context.Context, threadID, checkpointNS, checkpointID string) (Tuple, error)

	// List returns checkpoint tuples for threadID, newest first, honoring
	// filter. Backends that only retain the latest checkpoint (ShallowSaver)
	// return ShallowUnsupported for any filter requesting history.
	List(ctx context.Context, threadID, checkpointNS string, filter ListFilter) ([]Tuple, error)

	// Put atomically commits a checkpoint as the new head for its thread,
	// returning the pinned checkpoint ID actually stored (idempotent under
	// retry: re-Put of an already-committed checkpoint is a no-op success).
	Put(ctx context.Context, cp Checkpoint) (string, error)

	// PutWrites durably records one task's intermediate writes before the
	// owning superstep's checkpoint commits, so a crash can recover them.
	PutWrites(ctx context.Context, threadID, checkpointNS, checkpointID string, writes []PendingWrite) error

	// NextVersion mints the next monotonic version for channel, given its
	// current version (0 if never written). The loop never invents
	// versions itself — this is the single source of truth.
	NextVersion(ctx context.Context, threadID, channel string, current uint64) (uint64, error)
}
