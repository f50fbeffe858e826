package engine

import (
	"sync"
	"time"

	"github.com/petal-labs/petalgate/core"
)

// EventKind identifies an engine event.
type EventKind string

const (
	// EventInvocationStarted is emitted before the provider is resolved.
	EventInvocationStarted EventKind = "invocation_started"
	// EventInvocationFinished is emitted once per invocation with its outcome.
	EventInvocationFinished EventKind = "invocation_finished"

	EventAttemptFailed             EventKind = "attempt_failed"
	EventToolsBound                EventKind = "tools_bound"
	EventToolsBindFailed           EventKind = "tools_bind_failed"
	EventModelToolCallsDetected    EventKind = "model_tool_calls_detected"
	EventToolExecutionStarted      EventKind = "tool_execution_started"
	EventToolExecutionFinished     EventKind = "tool_execution_finished"
	EventToolExecutionError        EventKind = "tool_execution_error"
	EventStructuredOutputRequested EventKind = "structured_output_requested"
	EventSchemaValidationSkipped   EventKind = "schema_validation_skipped"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// lifecycle reports whether the kind is emitted to handlers only and kept
// out of the invocation's result logs.
func (k EventKind) lifecycle() bool {
	return k == EventInvocationStarted || k == EventInvocationFinished
}

// Event is a structured record of what happened during an invocation.
type Event struct {
	Kind         EventKind
	InvocationID string
	Provider     string
	Model        string
	Time         time.Time
	// Attempt is 1-indexed; zero for events outside the attempt loop.
	Attempt int
	// Elapsed is set on invocation_finished and tool_execution_finished.
	Elapsed time.Duration
	Payload map[string]any
}

// EventHandler receives engine events. Handlers run synchronously on the
// invocation goroutine and must not block.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// EventLog buffers the log events returned with an invocation result and
// forwards every event to a handler.
type EventLog struct {
	invocationID string
	provider     string
	model        string
	handler      EventHandler
	now          func() time.Time

	mu     sync.Mutex
	events []core.LogEvent
}

// NewEventLog creates an event log for one invocation. handler may be nil.
func NewEventLog(invocationID, provider, model string, handler EventHandler, now func() time.Time) *EventLog {
	if now == nil {
		now = time.Now
	}
	return &EventLog{
		invocationID: invocationID,
		provider:     provider,
		model:        model,
		handler:      handler,
		now:          now,
	}
}

// Add records an event.
func (l *EventLog) Add(kind EventKind, attempt int, payload map[string]any) {
	l.emit(Event{Kind: kind, Attempt: attempt, Payload: payload})
}

func (l *EventLog) emit(e Event) {
	e.InvocationID = l.invocationID
	e.Provider = l.provider
	e.Model = l.model
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	if !e.Kind.lifecycle() {
		l.mu.Lock()
		l.events = append(l.events, core.LogEvent{
			Event:   e.Kind.String(),
			Time:    e.Time,
			Attempt: e.Attempt,
			Payload: e.Payload,
		})
		l.mu.Unlock()
	}
	if l.handler != nil {
		l.handler(e)
	}
}

// Events returns a copy of the buffered log events in emission order.
func (l *EventLog) Events() []core.LogEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]core.LogEvent{}, l.events...)
}
