package pregel

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/pregel-go/checkpointer"
	"github.com/dshills/pregel-go/emit"
)

// rngKeyType is an unexported context key type, same pattern as the
// teacher's RNGKey (graph/engine.go initRNG), so a WithValue-stashed RNG
// cannot collide with a caller's own context keys.
type rngKeyType struct{}

var rngKey rngKeyType

// initRNG seeds a deterministic RNG from threadID, exactly like the
// teacher's initRNG: hash the thread ID, take the first 8 bytes as the
// seed. Every replay of the same thread gets the same jitter sequence.
func initRNG(threadID string) *rand.Rand {
	h := sha256.New()
	h.Write([]byte(threadID))
	sum := h.Sum(nil)
	seed := int64(binary.BigEndian.Uint64(sum[:8])) // #nosec G115 -- deterministic seed, not security
	return rand.New(rand.NewSource(seed))           // #nosec G404 -- deterministic RNG for replay
}

// Engine runs a Graph's superstep loop against a checkpointer.Saver. One
// Engine is reusable across many threads; per-thread mutable state lives
// in the run's own instantiated channel set, never on the Engine.
type Engine struct {
	graph   *Graph
	saver   checkpointer.Saver
	emitter emit.Emitter
	cfg     EngineConfig
}

// New builds an Engine for graph, persisting through saver and reporting
// through emitter. Mirrors the teacher's graph.New(reducer, store,
// emitter, opts...) signature shape (graph/engine.go), generalized from a
// single reducer to a whole channel-typed Graph.
func New(g *Graph, saver checkpointer.Saver, emitter emit.Emitter, opts ...Option) (*Engine, error) {
	if g == nil {
		return nil, newErr(KindInvalidGraph, "graph is required")
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	if saver == nil {
		return nil, newErr(KindInvalidGraph, "checkpointer is required")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Engine{graph: g, saver: saver, emitter: emitter, cfg: cfg}, nil
}

// runState is the live, in-process instantiation of a thread's channels
// plus the bookkeeping the superstep loop mutates each tick. It is
// rebuilt from the latest checkpoint (or from scratch) at the top of
// every Invoke/Resume call.
type runState struct {
	threadID     string
	checkpointNS string
	channels     map[string]anyChannel
	versions     map[string]uint64
	versionsSeen map[string]map[string]uint64 // actorID -> channel -> version
	pending      []Send
	step         int
	parentID     string
}

// Invoke runs a thread to completion (or until an interrupt/error),
// returning the final snapshot of every channel's readable value keyed by
// channel name. input seeds channels by name as the "input" superstep
// (spec §4.D's step 0).
func (e *Engine) Invoke(ctx context.Context, threadID string, input map[string]any) (map[string]any, error) {
	values, interrupt, err := e.run(ctx, threadID, input, nil)
	if err == nil && interrupt != nil {
		return values, interrupt
	}
	return values, err
}

// Resume continues an interrupted thread, feeding resumeValue to whichever
// actor raised the pending GraphInterrupt.
func (e *Engine) Resume(ctx context.Context, threadID string, resumeValue any) (map[string]any, error) {
	values, interrupt, err := e.run(ctx, threadID, nil, &resumeValue)
	if err == nil && interrupt != nil {
		return values, interrupt
	}
	return values, err
}

// run is the shared driver behind Invoke/Resume. It returns the final
// channel snapshot, the interrupt that paused it (if any), and an error.
func (e *Engine) run(ctx context.Context, threadID string, input map[string]any, resume *any) (map[string]any, *GraphInterrupt, error) {
	deadline := time.Now().Add(e.cfg.RunWallClockBudget)
	if e.cfg.RunWallClockBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	ctx = context.WithValue(ctx, rngKey, initRNG(threadID))

	st, err := e.loadOrInit(ctx, threadID, input)
	if err != nil {
		return nil, nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, nil, wrapErr(KindCancelled, "run cancelled", ctx.Err())
		default:
		}

		if st.step >= e.cfg.RecursionLimit {
			return nil, nil, newErr(KindGraphRecursion, fmt.Sprintf("recursion limit %d exceeded", e.cfg.RecursionLimit))
		}

		triggered, sends := e.planStep(st)
		if resume != nil && len(triggered) == 0 && len(sends) == 0 {
			return nil, nil, newErr(KindInvalidResume, "no pending interrupt to resume")
		}
		if len(triggered) == 0 && len(sends) == 0 {
			break // fixpoint: no actor fires, run is done
		}

		if blocked := e.firstStaticInterrupt(triggered, e.cfg.InterruptBefore); blocked != "" {
			if err := e.checkpointStep(ctx, st, "loop", nil); err != nil {
				return nil, nil, err
			}
			return e.snapshot(st), nil, nil
		}

		start := time.Now()
		writes, interrupt, stepErr := e.executeStep(ctx, st, triggered, sends, resume)
		resume = nil // resume value is consumed by at most one step
		if e.cfg.Metrics != nil {
			status := "success"
			if stepErr != nil {
				status = "error"
			}
			e.cfg.Metrics.RecordStepLatency(threadID, time.Since(start), status)
		}
		if stepErr != nil {
			return nil, nil, stepErr
		}
		if interrupt != nil {
			if err := e.checkpointStep(ctx, st, "update", writes); err != nil {
				return nil, nil, err
			}
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.IncrementInterrupts(threadID, interrupt.NodeID)
			}
			return e.snapshot(st), interrupt, nil
		}

		if err := e.applyWrites(ctx, st, writes); err != nil {
			return nil, nil, err
		}

		st.step++
		if err := e.checkpointStep(ctx, st, "loop", writes); err != nil {
			return nil, nil, err
		}
		e.emitter.Emit(emit.Event{RunID: threadID, Step: st.step, Msg: "checkpoint_saved", Mode: emit.ModeDebug})

		if blocked := e.firstStaticInterrupt(triggered, e.cfg.InterruptAfter); blocked != "" {
			return e.snapshot(st), nil, nil
		}
	}

	return e.snapshot(st), nil, nil
}

func (e *Engine) firstStaticInterrupt(triggered []string, names []string) string {
	if len(names) == 0 {
		return ""
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	for _, t := range triggered {
		if set[t] {
			return t
		}
	}
	return ""
}

// loadOrInit restores runState from the latest checkpoint, or builds a
// fresh one seeded by input when the thread has no history yet.
func (e *Engine) loadOrInit(ctx context.Context, threadID string, input map[string]any) (*runState, error) {
	st := &runState{
		threadID:     threadID,
		channels:     make(map[string]anyChannel, len(e.graph.channels)),
		versions:     make(map[string]uint64),
		versionsSeen: make(map[string]map[string]uint64),
	}
	for name, factory := range e.graph.channels {
		st.channels[name] = factory()
	}

	tuple, err := e.saver.GetTuple(ctx, threadID, "", "")
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, wrapErr(KindStorageUnavailable, "failed to load checkpoint", err)
		}
		// fresh thread: apply input as the "input" superstep.
		st.step = 0
		if len(input) > 0 {
			writes := make(map[string][]any, len(input))
			for ch, v := range input {
				writes[ch] = append(writes[ch], v)
			}
			if err := e.applyWrites(ctx, st, writes); err != nil {
				return nil, err
			}
			if err := e.checkpointStep(ctx, st, "input", writes); err != nil {
				return nil, err
			}
		}
		return st, nil
	}

	st.step = tuple.Checkpoint.Metadata.Step
	st.parentID = tuple.ParentID
	for ch, version := range tuple.Checkpoint.ChannelVersions {
		st.versions[ch] = version
	}
	for actorID, seen := range tuple.Checkpoint.VersionsSeen {
		cp := make(map[string]uint64, len(seen))
		for k, v := range seen {
			cp[k] = v
		}
		st.versionsSeen[actorID] = cp
	}
	for ch, raw := range tuple.Checkpoint.ChannelValues {
		v, err := e.cfg.Serializer.LoadsTyped(tuple.Checkpoint.ChannelTypes[ch], raw)
		if err != nil {
			return nil, err
		}
		if c, ok := st.channels[ch]; ok {
			if err := c.fromCheckpoint(v); err != nil {
				return nil, err
			}
		}
	}
	for _, ps := range tuple.Checkpoint.PendingSends {
		v, err := e.cfg.Serializer.LoadsTyped(jsonTypeTag, ps.Input)
		if err != nil {
			return nil, err
		}
		st.pending = append(st.pending, Send{To: ps.To, Input: v})
	}
	return st, nil
}

// planStep decides which actors fire this superstep: those whose triggers
// changed version since versionsSeen fire once each (triggered), while
// every pending Send fires its destination actor once per Send (sends) —
// a destination targeted by N concurrent Sends runs N independent tasks
// this step, the fan-out half of the map-reduce primitive. A Send never
// dedupes against a plain trigger fire or against another Send to the
// same actor.
func (e *Engine) planStep(st *runState) (triggered []string, sends []Send) {
	triggerSet := make(map[string]bool)

	for _, name := range e.graph.sortedActorNames() {
		a := e.graph.actors[name]
		seen := st.versionsSeen[name]
		changed := make(map[string]bool)
		for _, ch := range a.Triggers {
			if st.versions[ch] > seen[ch] {
				changed[ch] = true
			}
		}
		if a.appliesTo(changed) {
			triggerSet[name] = true
		}
	}
	for name := range triggerSet {
		triggered = append(triggered, name)
	}
	sort.Strings(triggered)

	for _, s := range st.pending {
		if _, ok := e.graph.actors[s.To]; ok {
			sends = append(sends, s)
		}
	}
	st.pending = nil

	return triggered, sends
}

// taskResult is one actor invocation's outcome, collected before any
// writes are applied so the fold-in order is deterministic regardless of
// goroutine completion order.
type taskResult struct {
	actorID   string
	orderKey  uint64
	writes    map[string]any
	sends     []Send
	interrupt *GraphInterrupt
}

// plannedTask is one actor invocation this superstep: either a plain
// trigger fire (sendInput absent) or one specific pending Send's payload
// (hasSend true) — a destination actor targeted by several concurrent
// Sends gets one plannedTask per Send, not one task shared across all of
// them, so the fan-out half of the map-reduce primitive actually runs
// every mapped item rather than only the last one to arrive.
type plannedTask struct {
	actorID   string
	sendInput any
	hasSend   bool
}

// executeStep runs every planned task (bounded by MaxConcurrentTasks),
// retrying per-actor per RetryPolicy, and returns the combined per-channel
// write batches in deterministic order. The first GraphInterrupt
// encountered short-circuits the remaining results for this step.
func (e *Engine) executeStep(ctx context.Context, st *runState, triggered []string, sends []Send, resume *any) (map[string][]any, *GraphInterrupt, error) {
	tasks := make([]plannedTask, 0, len(triggered)+len(sends))
	for _, name := range triggered {
		tasks = append(tasks, plannedTask{actorID: name})
	}
	for _, s := range sends {
		tasks = append(tasks, plannedTask{actorID: s.To, sendInput: s.Input, hasSend: true})
	}

	results := make([]taskResult, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.MaxConcurrentTasks > 0 {
		g.SetLimit(e.cfg.MaxConcurrentTasks)
	}

	var mu sync.Mutex
	var firstInterrupt *GraphInterrupt

	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			a := e.graph.actors[task.actorID]
			var sendInput any
			if task.hasSend {
				sendInput = task.sendInput
			}
			input, err := e.assembleInput(st, a, sendInput, resume)
			if err != nil {
				return err
			}
			out, err := e.invokeWithRetry(gctx, st.threadID, a, input)
			var gi *GraphInterrupt
			if errors.As(err, &gi) {
				mu.Lock()
				if firstInterrupt == nil {
					firstInterrupt = gi
				}
				mu.Unlock()
				results[i] = taskResult{actorID: task.actorID, orderKey: computeOrderKey(task.actorID, st.step), interrupt: gi}
				return nil
			}
			if err != nil {
				return &TaskError{NodeID: task.actorID, Cause: err}
			}
			writes, sends, err := e.normalizeOutput(a, out)
			if err != nil {
				return err
			}
			results[i] = taskResult{actorID: task.actorID, orderKey: computeOrderKey(task.actorID, st.step), writes: writes, sends: sends}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].orderKey < results[j].orderKey })

	if firstInterrupt != nil {
		return nil, firstInterrupt, nil
	}

	combined := make(map[string][]any)
	for _, r := range results {
		for ch, v := range r.writes {
			combined[ch] = append(combined[ch], v)
		}
		st.pending = append(st.pending, r.sends...)
	}
	// record versions_seen for every triggered actor against its triggers'
	// *current* versions (the ones that caused it to fire this step).
	for _, name := range triggered {
		a := e.graph.actors[name]
		seen := st.versionsSeen[name]
		if seen == nil {
			seen = make(map[string]uint64)
			st.versionsSeen[name] = seen
		}
		for _, ch := range a.Triggers {
			seen[ch] = st.versions[ch]
		}
	}
	return combined, nil, nil
}

// assembleInput builds the value handed to Actor.Transform per its
// ReadSpec (spec §4.C's single/list/mapping input assembly), with Send
// payloads and interrupt-resume values taking precedence over channel
// reads for the actor that was targeted directly.
func (e *Engine) assembleInput(st *runState, a *Actor, sendInput any, resume *any) (any, error) {
	if resume != nil {
		return *resume, nil
	}
	if sendInput != nil {
		return sendInput, nil
	}
	switch a.Reads.Shape {
	case ReadSingle:
		if len(a.Reads.Channels) != 1 {
			return nil, newErr(KindInvalidGraph, "ReadSingle requires exactly one channel")
		}
		return e.readChannel(st, a.Reads.Channels[0])
	case ReadList:
		list := make([]any, len(a.Reads.Channels))
		for i, ch := range a.Reads.Channels {
			v, err := e.readChannel(st, ch)
			if err != nil && !errors.Is(err, ErrEmptyChannel) {
				return nil, err
			}
			list[i] = v
		}
		return list, nil
	case ReadMapping:
		m := make(map[string]any, len(a.Reads.Channels))
		for _, ch := range a.Reads.Channels {
			v, err := e.readChannel(st, ch)
			if err != nil && !errors.Is(err, ErrEmptyChannel) {
				return nil, err
			}
			m[ch] = v
		}
		return m, nil
	default:
		return nil, newErr(KindInvalidGraph, "unknown read shape")
	}
}

func (e *Engine) readChannel(st *runState, name string) (any, error) {
	c, ok := st.channels[name]
	if !ok {
		return nil, newErr(KindInvalidGraph, "unknown channel "+name)
	}
	v, err := c.get()
	if err != nil {
		return c.zero(), err
	}
	c.consume()
	return v, nil
}

// normalizeOutput interprets an actor's Transform return value: a
// *Command (update map + goto), a map[string]any (plain channel writes),
// or (if the actor has exactly one writer) a bare value assigned to that
// writer — mirroring spec §4.C's three return shapes.
func (e *Engine) normalizeOutput(a *Actor, out any) (map[string]any, []Send, error) {
	switch v := out.(type) {
	case nil:
		return nil, nil, nil
	case *Command:
		writes := v.Update
		// ScopeCurrent confines a Command's writes to the actor's own
		// declared Writers, same as every other return shape. ScopeParent
		// is how a subgraph actor (runtime.SubgraphActor) bubbles its child
		// run's writes up to channels outside its own Writers allowlist —
		// the allowlist exists to confine this graph's own actors to their
		// declared outputs, not to block a deliberate parent-scope bubble.
		if v.GraphScope == ScopeCurrent && len(a.Writers) > 0 {
			allowed := make(map[string]bool, len(a.Writers))
			for _, w := range a.Writers {
				allowed[w] = true
			}
			for ch := range writes {
				if !allowed[ch] {
					return nil, nil, newErr(KindInvalidUpdate, "actor "+a.Name+" wrote undeclared channel "+ch+" with ScopeCurrent")
				}
			}
		}
		var sends []Send
		for _, g := range v.Goto {
			switch dest := g.(type) {
			case string:
				sends = append(sends, Send{To: dest})
			case Send:
				sends = append(sends, dest)
			default:
				return nil, nil, newErr(KindInvalidGraph, "Command.Goto entries must be string or Send")
			}
		}
		return writes, sends, nil
	case map[string]any:
		if len(a.Writers) > 0 {
			allowed := make(map[string]bool, len(a.Writers))
			for _, w := range a.Writers {
				allowed[w] = true
			}
			for ch := range v {
				if !allowed[ch] {
					return nil, nil, newErr(KindInvalidUpdate, "actor "+a.Name+" wrote undeclared channel "+ch)
				}
			}
		}
		return v, nil, nil
	default:
		if len(a.Writers) != 1 {
			return nil, nil, newErr(KindInvalidUpdate, "actor "+a.Name+" returned a bare value but does not declare exactly one writer")
		}
		return map[string]any{a.Writers[0]: out}, nil, nil
	}
}

// invokeWithRetry runs a.Transform, retrying on Retryable errors per
// a.RetryPolicy with the same exponential-backoff-with-jitter the teacher
// uses (policy.go computeBackoff), applying DefaultActorTimeout to each
// attempt.
func (e *Engine) invokeWithRetry(ctx context.Context, threadID string, a *Actor, input any) (any, error) {
	timeout := e.cfg.DefaultActorTimeout
	attempts := 1
	var rp *RetryPolicy
	if a.RetryPolicy != nil {
		rp = a.RetryPolicy
		attempts = rp.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		out, err := a.Transform(callCtx, input)
		if cancel != nil {
			cancel()
		}
		var gi *GraphInterrupt
		if errors.As(err, &gi) {
			return nil, err
		}
		if err == nil {
			return out, nil
		}
		lastErr = err
		if rp == nil || rp.Retryable == nil || !rp.Retryable(err) || attempt == attempts-1 {
			break
		}
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.IncrementRetries(threadID, a.Name, "error")
		}
		rng, _ := ctx.Value(rngKey).(*rand.Rand)
		delay := computeBackoff(attempt, rp.BaseDelay, rp.MaxDelay, rng)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// applyWrites folds a per-channel batch of values into each channel via
// its Update, minting a fresh version via the checkpointer for every
// channel in the batch, whether or not its value changed.
func (e *Engine) applyWrites(ctx context.Context, st *runState, writes map[string][]any) error {
	names := make([]string, 0, len(writes))
	for ch := range writes {
		names = append(names, ch)
	}
	sort.Strings(names)
	for _, ch := range names {
		c, ok := st.channels[ch]
		if !ok {
			return newErr(KindInvalidGraph, "write to unknown channel "+ch)
		}
		if _, err := c.update(writes[ch]); err != nil {
			return err
		}
		next, err := e.saver.NextVersion(ctx, st.threadID, ch, st.versions[ch])
		if err != nil {
			return wrapErr(KindStorageUnavailable, "failed to mint next version", err)
		}
		st.versions[ch] = next
	}
	return nil
}

// computeIdempotencyKey adapts the teacher's computeIdempotencyKey
// (graph/checkpoint.go) to this engine's channel-map checkpoint shape:
// instead of hashing sorted WorkItems plus a generic state S, it hashes
// the thread ID, step number, and each channel's already-serialized
// bytes in sorted-name order, which is exactly the durable content of
// one checkpoint commit.
func computeIdempotencyKey(threadID string, step int, channelValues map[string][]byte) string {
	h := sha256.New()
	h.Write([]byte(threadID))

	stepBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(stepBytes, uint64(step))
	h.Write(stepBytes)

	names := make([]string, 0, len(channelValues))
	for ch := range channelValues {
		names = append(names, ch)
	}
	sort.Strings(names)
	for _, ch := range names {
		h.Write([]byte(ch))
		h.Write(channelValues[ch])
	}

	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// checkpointStep persists the current run state as the new head checkpoint
// for its thread, matching the teacher's saveCheckpoint (graph/engine.go)
// in spirit: atomic Put, metadata describing why, observable via emitter.
func (e *Engine) checkpointStep(ctx context.Context, st *runState, source string, writes map[string][]any) error {
	start := time.Now()
	cp := checkpointer.Checkpoint{
		ID:              uuid.NewString(),
		Ts:              time.Now(),
		ThreadID:        st.threadID,
		CheckpointNS:    st.checkpointNS,
		ChannelValues:   make(map[string][]byte),
		ChannelTypes:    make(map[string]string),
		ChannelVersions: map[string]uint64{},
		VersionsSeen:    map[string]map[string]uint64{},
		Metadata:        checkpointer.Metadata{Source: source, Step: st.step},
	}
	for ch, c := range st.channels {
		v, err := c.checkpoint()
		if err != nil {
			return err
		}
		tag, data, err := e.cfg.Serializer.DumpsTyped(v)
		if err != nil {
			return err
		}
		cp.ChannelValues[ch] = data
		cp.ChannelTypes[ch] = tag
	}
	for ch, v := range st.versions {
		cp.ChannelVersions[ch] = v
	}
	for actorID, seen := range st.versionsSeen {
		cp.VersionsSeen[actorID] = seen
	}
	for _, s := range st.pending {
		_, data, err := e.cfg.Serializer.DumpsTyped(s.Input)
		if err != nil {
			return err
		}
		cp.PendingSends = append(cp.PendingSends, checkpointer.PendingSend{To: s.To, Input: data})
	}
	if writes != nil {
		cp.Metadata.Writes = map[string]any{}
		for ch, vs := range writes {
			cp.Metadata.Writes[ch] = vs
		}
	}
	cp.Metadata.IdempotencyKey = computeIdempotencyKey(st.threadID, st.step, cp.ChannelValues)

	id, err := e.saver.Put(ctx, cp)
	if err != nil {
		return wrapErr(KindStorageUnavailable, "checkpoint commit failed", err)
	}
	st.parentID = id
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordCheckpointLatency(st.threadID, time.Since(start))
	}
	return nil
}

// snapshot projects every channel's current readable value into a plain
// map, the shape handed back to Invoke/Resume callers and to the
// "values"-mode stream.
func (e *Engine) snapshot(st *runState) map[string]any {
	out := make(map[string]any, len(st.channels))
	for name, c := range st.channels {
		if v, err := c.get(); err == nil {
			out[name] = v
		}
	}
	return out
}
