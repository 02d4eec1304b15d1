package runtime

import (
	"context"
	"errors"
	"sync"

	"github.com/dshills/pregel-go/checkpointer"
	"github.com/dshills/pregel-go/emit"
	"github.com/dshills/pregel-go/pregel"
)

// MultitaskStrategy selects how Runner handles a new Invoke/Stream call
// arriving for a thread that already has a run in flight (spec §4.E).
type MultitaskStrategy int

const (
	// StrategyReject fails the new call immediately with ErrThreadBusy.
	StrategyReject MultitaskStrategy = iota
	// StrategyInterrupt cancels the in-flight run, then starts the new one
	// from the last committed checkpoint.
	StrategyInterrupt
	// StrategyRollback cancels the in-flight run and discards its
	// not-yet-committed step before starting the new one — in this engine,
	// where checkpoints commit only at superstep boundaries, this is
	// equivalent to StrategyInterrupt (there is no partial-step state to
	// roll back past the last commit).
	StrategyRollback
	// StrategyEnqueue waits for the in-flight run to finish, then starts
	// the new one against the resulting checkpoint.
	StrategyEnqueue
)

// activeRun tracks one in-flight Invoke for a thread so a later call on
// the same thread can apply the configured MultitaskStrategy.
type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	result map[string]any
	err    error
}

// Runner wraps a pregel.Engine with multi-thread admission control and a
// fan-out Emitter, implementing the run surface spec §4.E describes:
// Invoke, Stream, Cancel, Join, JoinStream, and the four multitask
// strategies. One Runner serves many threads concurrently; per-thread
// state lives in the active map below, mirroring the teacher's
// per-run-ID bookkeeping (graph/engine.go's active-run tracking) rather
// than anything stored on the Engine itself.
type Runner struct {
	engine   *pregel.Engine
	emitter  *fanoutEmitter
	strategy MultitaskStrategy

	mu     sync.Mutex
	active map[string]*activeRun
}

// NewRunner builds a Runner over graph/saver, reporting through emitter
// (wrapped in a fan-out multiplexer so Stream/JoinStream subscribers can
// observe the same events emitter receives).
func NewRunner(g *pregel.Graph, saver checkpointer.Saver, emitter emit.Emitter, strategy MultitaskStrategy, opts ...pregel.Option) (*Runner, error) {
	fe := newFanoutEmitter(emitter)
	engine, err := pregel.New(g, saver, fe, opts...)
	if err != nil {
		return nil, err
	}
	return &Runner{engine: engine, emitter: fe, strategy: strategy, active: make(map[string]*activeRun)}, nil
}

// Engine exposes the underlying engine for callers (e.g. SubgraphActor)
// that need to drive a nested run sharing this Runner's saver/emitter.
func (r *Runner) Engine() *pregel.Engine { return r.engine }

// admit applies the configured MultitaskStrategy for threadID, returning
// the context the new run should use and a cleanup func to call once the
// new run finishes (or an error if the strategy rejects the call outright).
func (r *Runner) admit(ctx context.Context, threadID string) (context.Context, func(map[string]any, error), error) {
	for {
		r.mu.Lock()
		existing, busy := r.active[threadID]
		if !busy {
			runCtx, cancel := context.WithCancel(ctx)
			ar := &activeRun{cancel: cancel, done: make(chan struct{})}
			r.active[threadID] = ar
			r.mu.Unlock()
			finish := func(result map[string]any, err error) {
				ar.result, ar.err = result, err
				close(ar.done)
				r.mu.Lock()
				if r.active[threadID] == ar {
					delete(r.active, threadID)
				}
				r.mu.Unlock()
			}
			return runCtx, finish, nil
		}
		r.mu.Unlock()

		switch r.strategy {
		case StrategyReject:
			return nil, nil, pregel.ErrThreadBusy
		case StrategyInterrupt, StrategyRollback:
			existing.cancel()
			select {
			case <-existing.done:
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
			// loop around: the slot is now free (or another caller raced
			// us to it, in which case we apply the strategy again).
		case StrategyEnqueue:
			select {
			case <-existing.done:
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		default:
			return nil, nil, pregel.ErrThreadBusy
		}
	}
}

// Invoke runs threadID to completion under the configured
// MultitaskStrategy, applying strategy rules if a run for threadID is
// already in flight.
func (r *Runner) Invoke(ctx context.Context, threadID string, input map[string]any) (map[string]any, error) {
	runCtx, finish, err := r.admit(ctx, threadID)
	if err != nil {
		return nil, err
	}
	result, err := r.engine.Invoke(runCtx, threadID, input)
	finish(result, err)
	return result, err
}

// Stream behaves like Invoke but also returns a channel of StreamPart
// events as they are produced, closed once the run finishes. modes
// filters which emit.Mode values are delivered; nil/empty means all.
func (r *Runner) Stream(ctx context.Context, threadID string, input map[string]any, modes []string) (<-chan emit.StreamPart, error) {
	runCtx, finish, err := r.admit(ctx, threadID)
	if err != nil {
		return nil, err
	}
	sub, unsubscribe := r.emitter.subscribe(threadID, modes, 256)

	go func() {
		defer unsubscribe()
		result, err := r.engine.Invoke(runCtx, threadID, input)
		finish(result, err)

		var gi *pregel.GraphInterrupt
		end := emit.StreamPart{Event: emit.StreamEventEnd, Data: map[string]any{"result": result}}
		switch {
		case errors.As(err, &gi):
			end = emit.StreamPart{Event: emit.StreamEventInterrupt, Data: map[string]any{"node_id": gi.NodeID, "value": gi.Value}}
		case err != nil:
			end = emit.StreamPart{Event: emit.StreamEventError, Data: map[string]any{"error": err.Error()}}
		}
		select {
		case sub.ch <- end:
		default:
		}
	}()
	return sub.ch, nil
}

// Cancel aborts the in-flight run for threadID, if any. Returns
// ErrNotFound if threadID has no active run.
func (r *Runner) Cancel(threadID string) error {
	r.mu.Lock()
	ar, ok := r.active[threadID]
	r.mu.Unlock()
	if !ok {
		return pregel.ErrNotFound
	}
	ar.cancel()
	return nil
}

// Join blocks until threadID's in-flight run completes, returning its
// result. Returns ErrNotFound if threadID has no active run.
func (r *Runner) Join(ctx context.Context, threadID string) (map[string]any, error) {
	r.mu.Lock()
	ar, ok := r.active[threadID]
	r.mu.Unlock()
	if !ok {
		return nil, pregel.ErrNotFound
	}
	select {
	case <-ar.done:
		return ar.result, ar.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// JoinStream subscribes to an already-in-flight run's events without
// starting a new one. Returns ErrNotFound if threadID has no active run.
func (r *Runner) JoinStream(threadID string, modes []string) (<-chan emit.StreamPart, error) {
	r.mu.Lock()
	ar, ok := r.active[threadID]
	r.mu.Unlock()
	if !ok {
		return nil, pregel.ErrNotFound
	}
	sub, unsubscribe := r.emitter.subscribe(threadID, modes, 256)
	go func() {
		defer unsubscribe()
		<-ar.done
	}()
	return sub.ch, nil
}
