package runtime

import (
	"context"

	"github.com/dshills/pregel-go/pregel"
)

// SubgraphConfig describes one subgraph actor: a child graph invoked as a
// single actor of the parent graph, per spec §4.D's subgraph/namespace
// requirement and SPEC_FULL.md's GraphScope supplement.
type SubgraphConfig struct {
	// Name is the parent actor's name.
	Name string
	// Triggers/Reads are the parent-graph trigger/read declaration, same
	// as any other pregel.Actor.
	Triggers []string
	Reads    pregel.ReadSpec

	// Child is the nested engine to invoke. It shares the parent's saver
	// (via Runner.Engine()'s own saver, wired by the caller) but runs a
	// structurally distinct graph.
	Child *pregel.Engine

	// ChildThreadID derives the child run's thread ID from the parent
	// thread ID and the assembled input, so repeated invocations of the
	// same parent thread resume the same child run rather than forking a
	// new one each superstep.
	ChildThreadID func(parentThreadID string, input any) string

	// ChildInput projects the parent actor's assembled input into the
	// child engine's input map.
	ChildInput func(input any) map[string]any

	// Scope selects how the child's result lands in the parent graph.
	// ScopeCurrent (default) writes the child's snapshot to OwnWriter as
	// this actor's own single channel write, applied with the rest of this
	// superstep's writes at its end and readable from the next superstep.
	// ScopeParent instead bubbles named BubbleChannels from the child's
	// snapshot to the parent as a Send targeting BubbleTo, which the
	// engine delivers as a pending write at the start of the *next*
	// superstep (planStep's Send handling bypasses trigger-matching
	// entirely) — this is the "lands in the enclosing run's pending
	// writes for the next superstep, not the current one" mechanism
	// SPEC_FULL.md's supplemented features call for.
	Scope GraphScope

	// OwnWriter is this actor's sole declared channel, used for
	// ScopeCurrent.
	OwnWriter string

	// BubbleTo names the parent actor that receives the ScopeParent Send;
	// BubbleChannels selects which child snapshot keys are forwarded.
	BubbleTo       string
	BubbleChannels []string
}

// GraphScope re-exports pregel.GraphScope so callers configuring a
// SubgraphConfig do not need to import pregel directly just for this enum.
type GraphScope = pregel.GraphScope

const (
	ScopeCurrent = pregel.ScopeCurrent
	ScopeParent  = pregel.ScopeParent
)

// NewSubgraphActor builds the pregel.Actor that runs cfg.Child to
// completion each time it fires, then resolves cfg.Scope.
func NewSubgraphActor(cfg SubgraphConfig) *pregel.Actor {
	writers := []string{cfg.OwnWriter}
	if cfg.Scope == pregel.ScopeParent {
		writers = nil // bubbled writes target channels outside this actor's own allowlist
	}
	return &pregel.Actor{
		Name:     cfg.Name,
		Triggers: cfg.Triggers,
		Reads:    cfg.Reads,
		Writers:  writers,
		Transform: func(ctx context.Context, input any) (any, error) {
			childThreadID := cfg.ChildThreadID(cfg.Name, input)
			childInput := cfg.ChildInput(input)
			snapshot, err := cfg.Child.Invoke(ctx, childThreadID, childInput)
			if err != nil {
				return nil, err
			}

			if cfg.Scope == pregel.ScopeParent {
				bubbled := make(map[string]any, len(cfg.BubbleChannels))
				for _, ch := range cfg.BubbleChannels {
					if v, ok := snapshot[ch]; ok {
						bubbled[ch] = v
					}
				}
				return &pregel.Command{
					GraphScope: pregel.ScopeParent,
					Goto:       []any{pregel.Send{To: cfg.BubbleTo, Input: bubbled}},
				}, nil
			}

			return &pregel.Command{
				GraphScope: pregel.ScopeCurrent,
				Update:     map[string]any{cfg.OwnWriter: snapshot},
			}, nil
		},
	}
}
