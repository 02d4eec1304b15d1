package pregel

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// Task is one scheduled unit of work for a superstep: run Actor.Transform
// with the given assembled Input. OrderKey gives the task a deterministic
// sort position so concurrent completion order never affects which writes
// are folded first by a reducer that cares about declared order.
//
// Grounded on the teacher's WorkItem[S]/ComputeOrderKey (graph/scheduler.go),
// generalized from "next graph node" to "actor triggered this superstep".
type Task struct {
	Step     int
	OrderKey uint64
	ActorID  string
	Input    any
	Attempt  int
}

// computeOrderKey hashes (actorID, step) into a uint64 sort key so the same
// actor triggered at the same step always sorts identically across
// replays, regardless of goroutine completion order. Identical formula to
// the teacher's computeOrderKey, renamed inputs.
func computeOrderKey(actorID string, step int) uint64 {
	h := sha256.New()
	h.Write([]byte(actorID))
	stepBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(stepBytes, uint32(step)) // #nosec G115 -- step is small and non-negative
	h.Write(stepBytes)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

type taskHeap []Task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].OrderKey < h[j].OrderKey }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(Task)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// Frontier is a bounded, deterministically-ordered work queue. Identical in
// shape to the teacher's Frontier[S] (graph/scheduler.go): a heap for
// ordering plus a buffered channel for backpressure. Engine's own
// superstep fan-out uses an errgroup sized by MaxConcurrentTasks instead
// (a step's triggered-actor set is already bounded by the graph), and
// nothing else in this module constructs a Frontier either; runtime.Runner
// tracks active runs per thread without it.
type Frontier struct {
	mu   sync.Mutex
	heap taskHeap
	sem  chan struct{}

	totalEnqueued      atomic.Int64
	totalDequeued      atomic.Int64
	backpressureEvents atomic.Int32
	peakQueueDepth     atomic.Int32
}

func NewFrontier(capacity int) *Frontier {
	f := &Frontier{heap: make(taskHeap, 0), sem: make(chan struct{}, capacity)}
	heap.Init(&f.heap)
	return f
}

// Enqueue adds a task, blocking for backpressure when the frontier is at
// capacity (spec §5's "blocking admission at QueueDepth capacity").
func (f *Frontier) Enqueue(ctx context.Context, t Task) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	f.mu.Lock()
	heap.Push(&f.heap, t)
	depth := int32(f.heap.Len())
	f.mu.Unlock()

	for {
		old := f.peakQueueDepth.Load()
		if depth <= old || f.peakQueueDepth.CompareAndSwap(old, depth) {
			break
		}
	}
	if int(depth) >= cap(f.sem) {
		f.backpressureEvents.Add(1)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case f.sem <- struct{}{}:
		f.totalEnqueued.Add(1)
		return nil
	}
}

// Dequeue pops the task with the lowest OrderKey. Blocks until a task is
// available or ctx is cancelled.
func (f *Frontier) Dequeue(ctx context.Context) (Task, error) {
	var zero Task
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-f.sem:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.heap.Len() == 0 {
			return zero, context.Canceled
		}
		item := heap.Pop(&f.heap).(Task)
		f.totalDequeued.Add(1)
		return item, nil
	}
}

func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}

// SchedulerMetrics is a point-in-time snapshot of scheduler counters, mirroring the
// teacher's SchedulerMetrics (graph/scheduler.go) under the renamed
// vocabulary (tasks instead of nodes).
type SchedulerMetrics struct {
	QueueDepth         int32
	TotalEnqueued      int64
	TotalDequeued      int64
	BackpressureEvents int32
	PeakQueueDepth     int32
}

func (f *Frontier) Metrics() SchedulerMetrics {
	f.mu.Lock()
	depth := int32(f.heap.Len())
	f.mu.Unlock()
	return SchedulerMetrics{
		QueueDepth:         depth,
		TotalEnqueued:      f.totalEnqueued.Load(),
		TotalDequeued:      f.totalDequeued.Load(),
		BackpressureEvents: f.backpressureEvents.Load(),
		PeakQueueDepth:     f.peakQueueDepth.Load(),
	}
}
