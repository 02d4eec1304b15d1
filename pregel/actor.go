package pregel

import "context"

// GraphScope selects whether a Command's update/goto applies to the
// current (sub)graph or bubbles up to the parent run, per the
// parent-bubbling rule recorded in SPEC_FULL.md's supplemented features.
type GraphScope int

const (
	ScopeCurrent GraphScope = iota
	ScopeParent
)

// Send is a dynamic, directed write that bypasses an actor's declared
// triggers — the map-reduce / dynamic-fan-out primitive. Unlike a normal
// channel write, a Send names its destination actor directly; the engine
// delivers it as a one-shot input to that actor on the next superstep
// regardless of which channels changed.
type Send struct {
	To    string
	Input any
}

// Command is the richer of the two shapes an actor's Transform may return
// (the other is a plain channel-update map). It lets a single actor
// invocation both write channels and direct control flow in one step.
type Command struct {
	// Update holds channel-name -> value writes, applied like a normal
	// actor write map.
	Update map[string]any

	// Goto names actors (as strings) or Sends (for payload-carrying
	// dynamic dispatch) to schedule for the next superstep, independent of
	// trigger-channel matching.
	Goto []any

	// Resume carries a value for a pending GraphInterrupt raised earlier
	// in this thread. Engine does not read this field: Engine.Resume takes
	// the resume value directly as its argument.
	Resume any

	// GraphScope selects where Update/Goto land: the current graph or, for
	// a subgraph actor, the parent run's next superstep.
	GraphScope GraphScope
}

// ReadShape tags how an actor wants its inputs assembled: a single named
// channel, an ordered list of channels, or a name->value mapping. This
// mirrors spec §4.C's three input-assembly modes exactly.
type ReadShape int

const (
	ReadSingle ReadShape = iota
	ReadList
	ReadMapping
)

// ReadSpec declares what an actor reads. Channels lists the channel names
// in the order they should be assembled; for ReadMapping the assembled
// value is a map[string]any keyed by channel name, for ReadList it is a
// []any in declared order, and for ReadSingle Channels must have length 1
// and the assembled value is that channel's bare value.
type ReadSpec struct {
	Shape    ReadShape
	Channels []string
}

// Write is one actor output: write Value to Channel. Engine does not
// consume Write values: an actor's writes come from its Transform's
// return value, Actor.Writers lists only channel names, and no
// deduplication of writers takes place.
type Write struct {
	Channel string
	Value   any
}

// TransformFunc is the actor's unit of computation: given assembled input
// and the run's context, produce either a plain update value (matched
// against the actor's single declared writer), a map[string]any of
// channel writes, or a *Command.
type TransformFunc func(ctx context.Context, input any) (any, error)

// Actor is a PregelNode: it fires when any of its Triggers changes version,
// assembles Reads, and runs Transform. This is the direct generalization
// of the teacher's Node[S] interface (graph/node.go) from "one shared
// state struct" to "named channels".
type Actor struct {
	Name    string
	Triggers []string
	Reads    ReadSpec
	Transform TransformFunc
	Writers   []string // channel names this actor is allowed to write

	// RetryPolicy reuses the teacher's exponential-backoff retry contract
	// verbatim (policy.go).
	RetryPolicy *RetryPolicy

	// Tags carry routing/observability metadata (teacher's Node tag
	// convention), e.g. {"kind": "llm"} to flag messages-mode streaming.
	Tags map[string]string
}

// appliesTo reports whether this actor should be scheduled given the set
// of its trigger channels whose version is newer than the one it last saw.
func (a *Actor) appliesTo(changed map[string]bool) bool {
	for _, t := range a.Triggers {
		if changed[t] {
			return true
		}
	}
	return false
}
