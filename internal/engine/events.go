package engine

// EventType names one kind of frame in a generation stream.
type EventType string

// Stream event types, in the order a caller typically sees them. Every run
// ends with exactly one terminal frame: done for completed and cancelled
// runs, error for everything else.
const (
	EventTextDelta     EventType = "text-delta"
	EventToolCallStart EventType = "tool-call-start"
	EventToolResult    EventType = "tool-result"
	EventError         EventType = "error"
	EventDone          EventType = "done"
)

// Status classifies the outcome of a chat request. The values appear
// verbatim in terminal frames and in error response bodies.
type Status string

const (
	StatusOK              Status = "ok"
	StatusUnauthenticated Status = "unauthenticated"
	StatusRateLimited     Status = "rate_limited"
	StatusValidationError Status = "validation_error"
	StatusToolLoopLimit   Status = "tool_loop_limit"
	StatusUpstreamFailure Status = "upstream_failure"
	StatusCancelled       Status = "cancelled"
)

// Tool failure codes carried in ToolResult frames and in the tool response
// the model sees on the next cycle. Tool failures never fail the request;
// the codes let the model (and the caller) tell a budget denial from a
// broken tool.
const (
	// ToolCodeInvalidInput marks a call whose arguments failed schema
	// validation or named an unknown tool.
	ToolCodeInvalidInput = "invalid_input"
	// ToolCodeRateLimited marks a call denied by the per-tool budget.
	ToolCodeRateLimited = "rate_limited"
	// ToolCodeQuotaUnavailable marks a call denied because the quota
	// counter store was unreachable, not because budget ran out.
	ToolCodeQuotaUnavailable = "quota_unavailable"
	// ToolCodeTimeout marks a call that exceeded the per-tool deadline.
	ToolCodeTimeout = "timeout"
	// ToolCodeExecutionError marks a call whose handler returned an error.
	ToolCodeExecutionError = "execution_error"
)

// Event is one frame pushed to the caller during a run.
type Event struct {
	Type EventType
	Data any
}

// TextDelta carries one streamed chunk of model output.
type TextDelta struct {
	Text string `json:"text"`
}

// ToolCallStart announces a model-requested tool invocation before it runs.
type ToolCallStart struct {
	Ref   string `json:"ref,omitempty"`
	Name  string `json:"name"`
	Input any    `json:"input,omitempty"`
}

// ToolResult reports the outcome of one tool invocation. Results arrive in
// the order the model requested the calls, regardless of how execution
// interleaved.
type ToolResult struct {
	Ref               string `json:"ref,omitempty"`
	Name              string `json:"name"`
	OK                bool   `json:"ok"`
	Output            any    `json:"output,omitempty"`
	Error             string `json:"error,omitempty"`
	Code              string `json:"code,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// ErrorData is the payload of a terminal error frame.
type ErrorData struct {
	Status            Status `json:"status"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// DoneData is the payload of a terminal done frame.
type DoneData struct {
	Status         Status `json:"status"`
	ConversationID string `json:"conversation_id,omitempty"`
	ToolCalls      int    `json:"tool_calls,omitempty"`
}

// EmitFunc delivers one event to the caller. The engine calls it from the
// run's goroutine only, never concurrently. Returning an error tells the
// engine the caller is gone; the run winds down as if cancelled.
type EmitFunc func(Event) error
