package pregel

import "fmt"

// Version is a monotonic token minted by the checkpointer, never by the
// loop itself (checkpointer.Saver.NextVersion is the only source of new
// versions). It orders writes to a single channel across supersteps.
type Version = uint64

// Channel is the contract every channel variant satisfies: a zero value, an
// update rule, a readable projection, and a checkpoint/restore pair. S is
// the channel's value type.
type Channel[S any] interface {
	// Zero returns the channel's empty value, used before any write lands.
	Zero() S

	// Update folds one or more writes produced in a single superstep into
	// the channel's current value. Returns InvalidUpdate if the variant's
	// multi-write contract is violated (e.g. two writes to a LastValue
	// channel with no reducer).
	Update(values []S) (S, error)

	// Get returns the channel's current readable value. Returns
	// EmptyChannel if the channel has never been written and has no
	// zero-value semantics that make sense to read (Topic channels report
	// an empty slice instead of erroring; EphemeralValue does error).
	Get() (S, error)

	// Checkpoint returns a serializable snapshot of current value.
	Checkpoint() (S, error)

	// FromCheckpoint restores a channel's value from a prior checkpoint.
	FromCheckpoint(v S) error

	// IsAvailable reports whether Get would succeed right now.
	IsAvailable() bool
}

// LastValue holds the most recent single write. More than one write to the
// same LastValue channel in a superstep is an error unless a Reduce func is
// supplied, matching the open-question decision recorded in SPEC_FULL.md:
// no implicit coercion across variants, ever.
type LastValue[S any] struct {
	value     S
	set       bool
	zero      S
	Reduce    func(acc, next S) S
}

func NewLastValue[S any](zero S) *LastValue[S] {
	return &LastValue[S]{zero: zero}
}

func (c *LastValue[S]) Zero() S { return c.zero }

func (c *LastValue[S]) Update(values []S) (S, error) {
	if len(values) == 0 {
		return c.value, nil
	}
	if len(values) > 1 && c.Reduce == nil {
		return c.zero, newErr(KindInvalidUpdate, "last-value channel received multiple writes in one step with no reducer")
	}
	next := values[0]
	if c.Reduce != nil {
		acc := next
		for _, v := range values[1:] {
			acc = c.Reduce(acc, v)
		}
		next = acc
	}
	c.value = next
	c.set = true
	return c.value, nil
}

func (c *LastValue[S]) Get() (S, error) {
	if !c.set {
		return c.zero, newErr(KindEmptyChannel, "last-value channel has not been written")
	}
	return c.value, nil
}

func (c *LastValue[S]) Checkpoint() (S, error) { return c.value, nil }

func (c *LastValue[S]) FromCheckpoint(v S) error {
	c.value = v
	c.set = true
	return nil
}

func (c *LastValue[S]) IsAvailable() bool { return c.set }

// Topic accumulates every write across the channel's life (or, if
// Accumulate is false, only the writes from the most recent superstep —
// the "ephemeral topic" mode used for scatter-gather fan-in).
type Topic[S any] struct {
	values     []S
	Accumulate bool
}

func NewTopic[S any](accumulate bool) *Topic[S] {
	return &Topic[S]{Accumulate: accumulate}
}

func (c *Topic[S]) Zero() []S { return nil }

func (c *Topic[S]) Update(values [][]S) ([]S, error) {
	var flat []S
	for _, v := range values {
		flat = append(flat, v...)
	}
	if c.Accumulate {
		c.values = append(c.values, flat...)
	} else {
		c.values = flat
	}
	return c.values, nil
}

func (c *Topic[S]) Get() ([]S, error) { return c.values, nil }

func (c *Topic[S]) Checkpoint() ([]S, error) { return c.values, nil }

func (c *Topic[S]) FromCheckpoint(v []S) error {
	c.values = v
	return nil
}

func (c *Topic[S]) IsAvailable() bool { return true }

// BinaryOperatorAggregate folds every write with Op, seeded from Init, and
// never resets across supersteps — the running total / running max /
// message-append accumulator.
type BinaryOperatorAggregate[S any] struct {
	value S
	init  S
	set   bool
	Op    func(acc, next S) S
}

func NewBinaryOperatorAggregate[S any](init S, op func(acc, next S) S) *BinaryOperatorAggregate[S] {
	return &BinaryOperatorAggregate[S]{init: init, value: init, Op: op}
}

func (c *BinaryOperatorAggregate[S]) Zero() S { return c.init }

func (c *BinaryOperatorAggregate[S]) Update(values []S) (S, error) {
	if c.Op == nil {
		return c.value, newErr(KindInvalidGraph, "binary-operator-aggregate channel missing Op")
	}
	acc := c.value
	if len(values) > 0 {
		c.set = true
	}
	for _, v := range values {
		acc = c.Op(acc, v)
	}
	c.value = acc
	return c.value, nil
}

func (c *BinaryOperatorAggregate[S]) Get() (S, error) { return c.value, nil }

func (c *BinaryOperatorAggregate[S]) Checkpoint() (S, error) { return c.value, nil }

func (c *BinaryOperatorAggregate[S]) FromCheckpoint(v S) error {
	c.value = v
	c.set = true
	return nil
}

func (c *BinaryOperatorAggregate[S]) IsAvailable() bool { return true }

// EphemeralValue holds a write for exactly one superstep: Get fails once
// the step that produced the value has been consumed, forcing actors that
// need it to re-declare it as a trigger each time. Used for one-shot
// signals (e.g. a Send payload materialized as a channel read).
type EphemeralValue[S any] struct {
	value     S
	zero      S
	available bool
}

func NewEphemeralValue[S any](zero S) *EphemeralValue[S] {
	return &EphemeralValue[S]{zero: zero}
}

func (c *EphemeralValue[S]) Zero() S { return c.zero }

func (c *EphemeralValue[S]) Update(values []S) (S, error) {
	if len(values) == 0 {
		c.available = false
		return c.zero, nil
	}
	if len(values) > 1 {
		return c.zero, newErr(KindInvalidUpdate, "ephemeral-value channel received multiple writes in one step")
	}
	c.value = values[0]
	c.available = true
	return c.value, nil
}

func (c *EphemeralValue[S]) Get() (S, error) {
	if !c.available {
		return c.zero, newErr(KindEmptyChannel, "ephemeral-value channel has no pending value")
	}
	return c.value, nil
}

func (c *EphemeralValue[S]) Checkpoint() (S, error) {
	if !c.available {
		return c.zero, nil
	}
	return c.value, nil
}

func (c *EphemeralValue[S]) FromCheckpoint(v S) error {
	c.value = v
	return nil
}

// Consume marks the value read so the next superstep sees it as empty
// again, unless it is re-written. Called by the loop after a triggered
// actor has read this channel.
func (c *EphemeralValue[S]) Consume() { c.available = false }

func (c *EphemeralValue[S]) IsAvailable() bool { return c.available }

// ContextResource is a lazily-acquired resource behind a ContextChannel:
// opened on the channel's first read, released only when the channel's
// Close is called. Engine does not call Close when a run ends.
type ContextResource[S any] interface {
	Acquire() (S, error)
	Close() error
}

// ContextChannel wraps a ContextResource behind the Channel contract: reads
// trigger acquisition exactly once per run, writes are rejected (Context
// channels are not writable by actors), and the resource is released only
// by an explicit Close call: Engine has no run-scoped cleanup for it, and
// channel checkpointing does not release it either.
type ContextChannel[S any] struct {
	resource ContextResource[S]
	value    S
	acquired bool
}

func NewContextChannel[S any](resource ContextResource[S]) *ContextChannel[S] {
	return &ContextChannel[S]{resource: resource}
}

func (c *ContextChannel[S]) Zero() S { var z S; return z }

func (c *ContextChannel[S]) Update(values []S) (S, error) {
	if len(values) > 0 {
		return c.value, newErr(KindInvalidUpdate, "context channels cannot be written by actors")
	}
	return c.value, nil
}

func (c *ContextChannel[S]) Get() (S, error) {
	if !c.acquired {
		v, err := c.resource.Acquire()
		if err != nil {
			return v, wrapErr(KindTaskError, "context resource acquisition failed", err)
		}
		c.value = v
		c.acquired = true
	}
	return c.value, nil
}

func (c *ContextChannel[S]) Checkpoint() (S, error) { return c.value, nil }

func (c *ContextChannel[S]) FromCheckpoint(v S) error {
	c.value = v
	c.acquired = true
	return nil
}

func (c *ContextChannel[S]) IsAvailable() bool { return c.acquired }

// Close releases the underlying resource if it was acquired. Engine never
// calls Close, on any exit path of a run.
func (c *ContextChannel[S]) Close() error {
	if !c.acquired {
		return nil
	}
	return c.resource.Close()
}

// ManagedValue marks a process-scoped (not run-scoped) dependency an actor
// can declare — supplements spec.md per SPEC_FULL.md's original_source/
// note: unlike ContextChannel, it is resolved once per process and shared
// across runs (e.g. a shared HTTP client pool), never checkpointed.
type ManagedValue[S any] interface {
	Get() S
}

// staticManaged is the trivial ManagedValue: a value supplied once at
// wiring time with no lazy resolution.
type staticManaged[S any] struct{ v S }

func NewManagedValue[S any](v S) ManagedValue[S] { return staticManaged[S]{v} }

func (m staticManaged[S]) Get() S { return m.v }

// describeChannel names a channel together with its variant, e.g.
// "out(LastValue)", without reflection tricks. Nothing in this package
// calls it.
func describeChannel(name string, kind string) string {
	return fmt.Sprintf("%s(%s)", name, kind)
}
