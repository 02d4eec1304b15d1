package pregel

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/pregel-go/checkpointer"
	"github.com/dshills/pregel-go/emit"
)

func newTestEngine(t *testing.T, g *Graph, opts ...Option) (*Engine, checkpointer.Saver) {
	t.Helper()
	saver := checkpointer.NewMemorySaver()
	e, err := New(g, saver, emit.NewNullEmitter(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, saver
}

// TestInvokeEphemeralValueCycle exercises a request/response pair of
// actors wired through an EphemeralValue channel: the second actor only
// ever sees the first actor's write for the one superstep it was
// produced, matching EphemeralValue's one-shot-visibility contract.
func TestInvokeEphemeralValueCycle(t *testing.T) {
	g := NewGraph()
	AddLastValue[string](g, "in", "", nil)
	AddEphemeral[string](g, "signal", "")
	AddLastValue[string](g, "out", "", nil)

	g.AddActor(&Actor{
		Name:     "producer",
		Triggers: []string{"in"},
		Reads:    ReadSpec{Shape: ReadSingle, Channels: []string{"in"}},
		Writers:  []string{"signal"},
		Transform: func(_ context.Context, input any) (any, error) {
			return input.(string) + "-signalled", nil
		},
	})
	g.AddActor(&Actor{
		Name:     "consumer",
		Triggers: []string{"signal"},
		Reads:    ReadSpec{Shape: ReadSingle, Channels: []string{"signal"}},
		Writers:  []string{"out"},
		Transform: func(_ context.Context, input any) (any, error) {
			return input.(string) + "-consumed", nil
		},
	})

	e, _ := newTestEngine(t, g)
	result, err := e.Invoke(context.Background(), "thread-1", map[string]any{"in": "hello"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result["out"] != "hello-signalled-consumed" {
		t.Fatalf("expected out = hello-signalled-consumed, got %v", result["out"])
	}

	// The signal channel was consumed after the consumer read it; a
	// second thread starting fresh must not observe a stale signal.
	result2, err := e.Invoke(context.Background(), "thread-2", map[string]any{"in": "world"})
	if err != nil {
		t.Fatalf("Invoke (thread-2): %v", err)
	}
	if result2["out"] != "world-signalled-consumed" {
		t.Fatalf("expected independent thread state, got %v", result2["out"])
	}
}

// TestInvokeTopicFanIn exercises a Topic channel accumulating writes from
// several independently-triggered actors within one superstep.
func TestInvokeTopicFanIn(t *testing.T) {
	g := NewGraph()
	AddLastValue[int](g, "start", 0, nil)
	AddTopic[string](g, "log", true)

	for _, name := range []string{"a", "b", "c"} {
		name := name
		g.AddActor(&Actor{
			Name:     "worker-" + name,
			Triggers: []string{"start"},
			Reads:    ReadSpec{Shape: ReadSingle, Channels: []string{"start"}},
			Writers:  []string{"log"},
			Transform: func(_ context.Context, _ any) (any, error) {
				return name, nil
			},
		})
	}

	e, _ := newTestEngine(t, g)
	result, err := e.Invoke(context.Background(), "t", map[string]any{"start": 1})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	entries, ok := result["log"].([]string)
	if !ok || len(entries) != 3 {
		t.Fatalf("expected 3 accumulated log entries, got %v", result["log"])
	}
}

// TestInvokeBinaryOperatorAggregate exercises a running-sum accumulator:
// one input write fires the counter actor once, and its write is folded
// into total starting from the channel's Init value 0.
func TestInvokeBinaryOperatorAggregate(t *testing.T) {
	g := NewGraph()
	AddLastValue[int](g, "count", 0, nil)
	AddAggregate[int](g, "total", 0, func(acc, next int) int { return acc + next })

	g.AddActor(&Actor{
		Name:     "counter",
		Triggers: []string{"count"},
		Reads:    ReadSpec{Shape: ReadSingle, Channels: []string{"count"}},
		Writers:  []string{"total"},
		Transform: func(_ context.Context, input any) (any, error) {
			return input.(int), nil
		},
	})

	e, _ := newTestEngine(t, g)
	result, err := e.Invoke(context.Background(), "t", map[string]any{"count": 4})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result["total"] != 4 {
		t.Fatalf("expected total = 4, got %v", result["total"])
	}
}

// TestInvokeInterruptAndResume exercises spec §8's interrupt/resume
// scenario end to end: a task suspends mid-step, the caller observes the
// *GraphInterrupt as the returned error, and Resume feeds a value back to
// the same actor to let the run complete.
func TestInvokeInterruptAndResume(t *testing.T) {
	g := NewGraph()
	AddLastValue[string](g, "in", "", nil)
	AddLastValue[string](g, "out", "", nil)

	approved := false
	g.AddActor(&Actor{
		Name:     "gate",
		Triggers: []string{"in"},
		Reads:    ReadSpec{Shape: ReadSingle, Channels: []string{"in"}},
		Writers:  []string{"out"},
		Transform: func(_ context.Context, input any) (any, error) {
			if !approved {
				return nil, &GraphInterrupt{NodeID: "gate", Value: "need approval"}
			}
			return input.(string) + "-approved", nil
		},
	})

	e, _ := newTestEngine(t, g)
	_, err := e.Invoke(context.Background(), "t", map[string]any{"in": "request"})
	var gi *GraphInterrupt
	if !errors.As(err, &gi) {
		t.Fatalf("expected *GraphInterrupt, got %v", err)
	}
	if gi.NodeID != "gate" || gi.Value != "need approval" {
		t.Fatalf("unexpected interrupt payload: %+v", gi)
	}

	approved = true
	result, err := e.Resume(context.Background(), "t", "go ahead")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if result["out"] != "request-approved" {
		t.Fatalf("expected out = request-approved, got %v", result["out"])
	}
}

// TestInvokeResumeWithoutPendingInterruptErrors exercises the
// InvalidResume edge case: resuming a thread that isn't parked on an
// interrupt must fail rather than silently no-op.
func TestInvokeResumeWithoutPendingInterruptErrors(t *testing.T) {
	g := NewGraph()
	AddLastValue[string](g, "in", "", nil)
	AddLastValue[string](g, "out", "", nil)
	g.AddActor(&Actor{
		Name:     "echo",
		Triggers: []string{"in"},
		Reads:    ReadSpec{Shape: ReadSingle, Channels: []string{"in"}},
		Writers:  []string{"out"},
		Transform: func(_ context.Context, input any) (any, error) {
			return input, nil
		},
	})
	e, _ := newTestEngine(t, g)
	if _, err := e.Invoke(context.Background(), "t", map[string]any{"in": "x"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	_, err := e.Resume(context.Background(), "t", "anything")
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindInvalidResume {
		t.Fatalf("expected InvalidResume, got %v", err)
	}
}

// TestInvokeDynamicSendMapReduce exercises the map-reduce primitive:
// a map actor fans out a Send per item directly to a reduce actor,
// bypassing the reduce actor's own trigger channels entirely.
func TestInvokeDynamicSendMapReduce(t *testing.T) {
	g := NewGraph()
	AddLastValue[[]int](g, "items", nil, nil)
	AddAggregate[int](g, "sum", 0, func(acc, next int) int { return acc + next })

	g.AddActor(&Actor{
		Name:     "mapper",
		Triggers: []string{"items"},
		Reads:    ReadSpec{Shape: ReadSingle, Channels: []string{"items"}},
		Transform: func(_ context.Context, input any) (any, error) {
			items := input.([]int)
			cmd := &Command{}
			for _, it := range items {
				cmd.Goto = append(cmd.Goto, Send{To: "reducer", Input: it})
			}
			return cmd, nil
		},
	})
	g.AddActor(&Actor{
		Name:    "reducer",
		Writers: []string{"sum"},
		Transform: func(_ context.Context, input any) (any, error) {
			return input.(int), nil
		},
	})

	e, _ := newTestEngine(t, g)
	result, err := e.Invoke(context.Background(), "t", map[string]any{"items": []int{1, 2, 3, 4}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result["sum"] != 10 {
		t.Fatalf("expected sum = 10, got %v", result["sum"])
	}
}

// TestTimeTravelFork exercises spec §8's fork scenario: List returns the
// full checkpoint history for a thread, every checkpoint carries an
// IdempotencyKey, and a checkpoint copied from that history's earliest
// entry under a new thread ID is retrievable independently of the
// original thread.
func TestTimeTravelFork(t *testing.T) {
	g := NewGraph()
	AddLastValue[int](g, "n", 0, func(acc, next int) int { return next })
	g.AddActor(&Actor{
		Name:     "bump",
		Triggers: []string{"n"},
		Reads:    ReadSpec{Shape: ReadSingle, Channels: []string{"n"}},
		Writers:  []string{"n"},
		Transform: func(_ context.Context, input any) (any, error) {
			n := input.(int)
			if n >= 3 {
				return nil, nil // no write: the run reaches its fixpoint
			}
			return n + 1, nil
		},
	})

	e, saver := newTestEngine(t, g)
	if _, err := e.Invoke(context.Background(), "t", map[string]any{"n": 1}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	tuples, err := saver.List(context.Background(), "t", "", checkpointer.ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tuples) < 2 {
		t.Fatalf("expected at least 2 checkpoints (input + loop), got %d", len(tuples))
	}
	for _, tu := range tuples {
		if tu.Checkpoint.Metadata.IdempotencyKey == "" {
			t.Fatalf("expected every committed checkpoint to carry an IdempotencyKey, tuple %+v", tu.Checkpoint.Metadata)
		}
	}

	// Forking means resuming a *different* thread ID from an earlier
	// checkpoint's channel values, rather than mutating "t" in place.
	earliest := tuples[len(tuples)-1]
	forked := checkpointer.Checkpoint{
		ID:              "forked-head",
		ThreadID:        "t-fork",
		CheckpointNS:    "",
		ChannelValues:   earliest.Checkpoint.ChannelValues,
		ChannelTypes:    earliest.Checkpoint.ChannelTypes,
		ChannelVersions: earliest.Checkpoint.ChannelVersions,
		VersionsSeen:    earliest.Checkpoint.VersionsSeen,
		Metadata:        checkpointer.Metadata{Source: "fork", Step: earliest.Checkpoint.Metadata.Step},
	}
	if _, err := saver.Put(context.Background(), forked); err != nil {
		t.Fatalf("Put (fork): %v", err)
	}
	forkedTuple, err := saver.GetTuple(context.Background(), "t-fork", "", "")
	if err != nil {
		t.Fatalf("GetTuple (fork): %v", err)
	}
	if forkedTuple.Checkpoint.Metadata.Source != "fork" {
		t.Fatalf("expected forked checkpoint to be retrievable independently of thread t, got %+v", forkedTuple.Checkpoint.Metadata)
	}
}

// TestActorCannotWriteUndeclaredChannelWithScopeCurrent exercises the
// Writers allowlist enforcement: a Command with GraphScope: ScopeCurrent
// cannot write a channel outside the actor's own Writers set.
func TestActorCannotWriteUndeclaredChannelWithScopeCurrent(t *testing.T) {
	g := NewGraph()
	AddLastValue[string](g, "in", "", nil)
	AddLastValue[string](g, "out", "", nil)
	AddLastValue[string](g, "other", "", nil)
	g.AddActor(&Actor{
		Name:     "leaky",
		Triggers: []string{"in"},
		Reads:    ReadSpec{Shape: ReadSingle, Channels: []string{"in"}},
		Writers:  []string{"out"},
		Transform: func(_ context.Context, _ any) (any, error) {
			return &Command{Update: map[string]any{"other": "sneaky"}}, nil
		},
	})
	e, _ := newTestEngine(t, g)
	_, err := e.Invoke(context.Background(), "t", map[string]any{"in": "x"})
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindInvalidUpdate {
		t.Fatalf("expected InvalidUpdate for undeclared ScopeCurrent write, got %v", err)
	}
}

// TestRecursionLimitStopsRunaway exercises the recursion-limit guard
// against a graph that would otherwise retrigger itself forever.
func TestRecursionLimitStopsRunaway(t *testing.T) {
	g := NewGraph()
	AddLastValue[int](g, "n", 0, func(_, next int) int { return next })
	g.AddActor(&Actor{
		Name:     "loop",
		Triggers: []string{"n"},
		Reads:    ReadSpec{Shape: ReadSingle, Channels: []string{"n"}},
		Writers:  []string{"n"},
		Transform: func(_ context.Context, input any) (any, error) {
			return input.(int) + 1, nil
		},
	})
	e, _ := newTestEngine(t, g, WithRecursionLimit(3))
	_, err := e.Invoke(context.Background(), "t", map[string]any{"n": 0})
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindGraphRecursion {
		t.Fatalf("expected GraphRecursion, got %v", err)
	}
}
