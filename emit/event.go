package emit

// Event represents an observability event emitted during workflow execution.
//
// Events provide detailed insight into workflow behavior:
//   - Node execution start/complete
//   - State changes and transitions
//   - Errors and warnings
//   - Performance metrics
//   - Checkpoint operations
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Store in time-series databases
//   - Trigger alerts
type Event struct {
	// RunID identifies the workflow execution that emitted this event.
	RunID string

	// Step is the sequential step number in the workflow (1-indexed).
	// Zero for workflow-level events (start, complete, error).
	Step int

	// NodeID identifies which node emitted this event.
	// Empty string for workflow-level events.
	NodeID string

	// Msg is a human-readable description of the event.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Execution duration in milliseconds
	//   - "error": Error details
	//   - "tokens": Token count for LLM calls
	//   - "checkpoint_id": Checkpoint identifier
	//   - "retryable": Whether an error can be retried
	Meta map[string]interface{}

	// Mode tags which stream mode this event belongs to (values, updates,
	// debug, messages, custom), so a multiplexed subscriber can filter
	// without parsing Msg. Empty for events that predate stream-mode
	// tagging and should be treated as "debug".
	Mode string
}

// Standard Mode values, matching spec §4.E's stream modes.
const (
	ModeValues   = "values"
	ModeUpdates  = "updates"
	ModeDebug    = "debug"
	ModeMessages = "messages"
	ModeCustom   = "custom"
)

// StreamPart is the wire envelope handed to Run/Stream callers (spec
// §6.4): an event-type tag plus its payload. It is the outward-facing
// projection of an Event once tagged with its stream Mode.
type StreamPart struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Standard StreamPart.Event values (spec §6.4).
const (
	StreamEventMetadata   = "metadata"
	StreamEventValues     = "values"
	StreamEventUpdates    = "updates"
	StreamEventTask       = "task"
	StreamEventTaskResult = "task_result"
	StreamEventCheckpoint = "checkpoint"
	StreamEventMessages   = "messages"
	StreamEventCustom     = "custom"
	StreamEventInterrupt  = "interrupt"
	StreamEventError      = "error"
	StreamEventEnd        = "end"
)

// ToStreamPart projects an Event into the wire envelope a stream consumer
// receives, tagging it with the event's own Msg as the StreamPart.Event
// name unless Mode indicates a more specific standard name.
func (e Event) ToStreamPart() StreamPart {
	name := e.Msg
	switch e.Mode {
	case ModeMessages:
		name = StreamEventMessages
	case ModeCustom:
		name = StreamEventCustom
	}
	return StreamPart{Event: name, Data: map[string]interface{}{
		"run_id":  e.RunID,
		"step":    e.Step,
		"node_id": e.NodeID,
		"meta":    e.Meta,
	}}
}
