// Package runtime implements the Stream/Run surface (spec §4.E): Runner
// wraps a pregel.Engine with multi-thread admission control, the
// multitask_strategy behaviors, and a fan-out Emitter that lets multiple
// Stream/JoinStream callers observe the same run's events live.
package runtime

import (
	"context"
	"sync"

	"github.com/dshills/pregel-go/emit"
)

// subscriber receives a copy of every Event emitted for its thread whose
// Mode is in modes (nil/empty modes means "all modes").
type subscriber struct {
	ch    chan emit.StreamPart
	modes map[string]bool
}

func (s *subscriber) wants(mode string) bool {
	if len(s.modes) == 0 {
		return true
	}
	return s.modes[mode]
}

// fanoutEmitter multiplexes events to per-thread stream subscribers while
// still delegating to an inner Emitter (logging/metrics/otel), exactly the
// way the teacher composes emitters — this one just adds a live-subscriber
// side channel Engine's own fixed-at-construction Emitter cannot provide.
type fanoutEmitter struct {
	inner emit.Emitter

	mu   sync.Mutex
	subs map[string][]*subscriber // threadID -> subscribers
}

func newFanoutEmitter(inner emit.Emitter) *fanoutEmitter {
	if inner == nil {
		inner = emit.NewNullEmitter()
	}
	return &fanoutEmitter{inner: inner, subs: make(map[string][]*subscriber)}
}

func (f *fanoutEmitter) Emit(e emit.Event) {
	f.inner.Emit(e)
	f.mu.Lock()
	subs := append([]*subscriber(nil), f.subs[e.RunID]...)
	f.mu.Unlock()
	part := e.ToStreamPart()
	for _, s := range subs {
		if !s.wants(e.Mode) {
			continue
		}
		select {
		case s.ch <- part:
		default:
			// slow consumer: drop rather than block the run, matching the
			// Emitter contract's "non-blocking" requirement.
		}
	}
}

func (f *fanoutEmitter) EmitBatch(ctx context.Context, events []emit.Event) error {
	for _, e := range events {
		f.Emit(e)
	}
	return f.inner.EmitBatch(ctx, events)
}

func (f *fanoutEmitter) Flush(ctx context.Context) error {
	return f.inner.Flush(ctx)
}

// subscribe registers a new stream subscriber for threadID, returning the
// channel to read from and an unsubscribe func. bufSize bounds how many
// events may queue before they are dropped for that subscriber.
func (f *fanoutEmitter) subscribe(threadID string, modes []string, bufSize int) (*subscriber, func()) {
	var modeSet map[string]bool
	if len(modes) > 0 {
		modeSet = make(map[string]bool, len(modes))
		for _, m := range modes {
			modeSet[m] = true
		}
	}
	s := &subscriber{ch: make(chan emit.StreamPart, bufSize), modes: modeSet}

	f.mu.Lock()
	f.subs[threadID] = append(f.subs[threadID], s)
	f.mu.Unlock()

	unsubscribe := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		list := f.subs[threadID]
		for i, cur := range list {
			if cur == s {
				f.subs[threadID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(f.subs[threadID]) == 0 {
			delete(f.subs, threadID)
		}
		close(s.ch)
	}
	return s, unsubscribe
}
