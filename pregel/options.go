package pregel

import "time"

// Option configures an Engine, following the teacher's functional-options
// pattern (graph/options.go) verbatim in shape: chainable, self-documenting,
// composable with a plain EngineConfig struct literal.
type Option func(*EngineConfig) error

// EngineConfig collects every run-shaping knob in one explicit struct,
// threaded through New(...) instead of living in package
// globals — the Design Notes reshape pattern spec §9 calls for.
type EngineConfig struct {
	// RecursionLimit caps supersteps per run (spec §5 default: 25).
	RecursionLimit int

	// MaxConcurrentTasks bounds how many actors execute in parallel within
	// one superstep. Zero means no limit: every planned task of the step
	// runs at once.
	MaxConcurrentTasks int

	// QueueDepth is not read by Engine or by Frontier (NewFrontier takes
	// its capacity as an argument).
	QueueDepth int

	// BackpressureTimeout is not read by Engine or by Frontier;
	// Frontier.Enqueue blocks until there is room or its context ends.
	BackpressureTimeout time.Duration

	// DefaultActorTimeout bounds every actor invocation attempt; zero
	// means no timeout.
	DefaultActorTimeout time.Duration

	// RunWallClockBudget bounds total run time across all supersteps.
	RunWallClockBudget time.Duration

	// InterruptBefore/InterruptAfter name actors at which the loop pauses
	// before/after execution, producing an interrupted checkpoint (spec
	// §4.D step 2, static interrupts).
	InterruptBefore []string
	InterruptAfter  []string

	Metrics    *Metrics
	Serializer Serializer
}

func defaultConfig() EngineConfig {
	return EngineConfig{
		RecursionLimit:      25,
		QueueDepth:          1024,
		BackpressureTimeout: 30 * time.Second,
		DefaultActorTimeout: 30 * time.Second,
		RunWallClockBudget:  10 * time.Minute,
		Serializer:          JSONSerializer{},
	}
}

// WithRecursionLimit overrides the default 25-superstep cap (spec §5).
func WithRecursionLimit(n int) Option {
	return func(c *EngineConfig) error { c.RecursionLimit = n; return nil }
}

// WithMaxConcurrentTasks bounds per-superstep fan-out concurrency.
func WithMaxConcurrentTasks(n int) Option {
	return func(c *EngineConfig) error { c.MaxConcurrentTasks = n; return nil }
}

// WithQueueDepth sets EngineConfig.QueueDepth, which Engine does not read.
func WithQueueDepth(n int) Option {
	return func(c *EngineConfig) error { c.QueueDepth = n; return nil }
}

// WithBackpressureTimeout sets EngineConfig.BackpressureTimeout, which
// Engine does not read.
func WithBackpressureTimeout(d time.Duration) Option {
	return func(c *EngineConfig) error { c.BackpressureTimeout = d; return nil }
}

// WithDefaultActorTimeout sets the timeout applied to every actor
// invocation attempt.
func WithDefaultActorTimeout(d time.Duration) Option {
	return func(c *EngineConfig) error { c.DefaultActorTimeout = d; return nil }
}

// WithRunWallClockBudget bounds total run wall-clock time.
func WithRunWallClockBudget(d time.Duration) Option {
	return func(c *EngineConfig) error { c.RunWallClockBudget = d; return nil }
}

// WithStaticInterrupts declares the before/after interrupt points checked
// at the top of every superstep.
func WithStaticInterrupts(before, after []string) Option {
	return func(c *EngineConfig) error {
		c.InterruptBefore = before
		c.InterruptAfter = after
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection (see metrics.go).
func WithMetrics(m *Metrics) Option {
	return func(c *EngineConfig) error { c.Metrics = m; return nil }
}

// WithSerializer overrides the default JSONSerializer.
func WithSerializer(s Serializer) Option {
	return func(c *EngineConfig) error { c.Serializer = s; return nil }
}
