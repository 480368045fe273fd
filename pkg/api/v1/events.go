package v1

import "time"

// Execution lifecycle event types delivered over the stream endpoints
const (
	EventRunStarted     = "RUN_STARTED"
	EventSessionUpdate  = "session_update"
	EventSessionWaiting = "session_waiting"
	EventSessionPaused  = "session_paused"
	EventSessionEnded   = "session_ended"
	EventRunFinished    = "RUN_FINISHED"
)

// Sync, queue and cascade progress event types
const (
	EventSyncStarted      = "sync_started"
	EventSyncCompleted    = "sync_completed"
	EventSyncFailed       = "sync_failed"
	EventQueueUpdated     = "queue_updated"
	EventCascadeStarted   = "cascade_started"
	EventCascadeCompleted = "cascade_completed"
)

// Session record types inside session_update events
const (
	SessionRecordMessageChunk    = "agent_message_chunk"
	SessionRecordMessageComplete = "agent_message_complete"
	SessionRecordThoughtChunk    = "agent_thought_chunk"
	SessionRecordThoughtComplete = "agent_thought_complete"
	SessionRecordToolCall        = "tool_call"
	SessionRecordToolCallUpdate  = "tool_call_update"
	SessionRecordToolCallDone    = "tool_call_complete"
	SessionRecordPlan            = "plan"
	SessionRecordCommands        = "available_commands_update"
)

// ToolCallStatus mirrors the agent protocol's tool call states
type ToolCallStatus string

const (
	ToolCallPending    ToolCallStatus = "pending"
	ToolCallInProgress ToolCallStatus = "in_progress"
	ToolCallCompleted  ToolCallStatus = "completed"
	ToolCallFailed     ToolCallStatus = "failed"
)

// SessionRecord is one unit of agent output, raw or coalesced
type SessionRecord struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Text      string         `json:"text,omitempty"`
	ToolCall  *ToolCallInfo  `json:"tool_call,omitempty"`
	Plan      []PlanEntry    `json:"plan,omitempty"`
	Commands  []CommandInfo  `json:"commands,omitempty"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// ToolCallInfo carries a tool invocation and, once coalesced, its outcome
type ToolCallInfo struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	Status    ToolCallStatus `json:"status"`
	Locations []string       `json:"locations,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
}

// PlanEntry is one step of an agent-reported plan
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// CommandInfo is one slash command the agent advertises
type CommandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ExecutionEvent is the envelope published for every execution lifecycle change
type ExecutionEvent struct {
	Type        string         `json:"type"`
	ExecutionID string         `json:"execution_id"`
	StreamID    string         `json:"stream_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Record      *SessionRecord `json:"record,omitempty"`
	Status      string         `json:"status,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// ExecutionSubject is the bus subject carrying one execution's events
func ExecutionSubject(executionID string) string {
	return "execution." + executionID
}

// StreamSubject is the bus subject carrying one stream's sync and cascade events
func StreamSubject(streamID string) string {
	return "stream." + streamID
}

// QueueSubject is the bus subject carrying one target branch's queue events
func QueueSubject(target string) string {
	return "queue." + target
}
