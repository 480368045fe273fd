package v1

import "time"

// ExecutionStatus represents the lifecycle state of an execution
type ExecutionStatus string

const (
	ExecutionStatusPreparing ExecutionStatus = "preparing"
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusWaiting   ExecutionStatus = "waiting" // Persistent session between turns
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusStopped   ExecutionStatus = "stopped"
	ExecutionStatusCrashed   ExecutionStatus = "crashed"
)

// IsTerminal reports whether the status is final.
// waiting and paused are live persistent-session states, not terminal.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusStopped, ExecutionStatusCrashed:
		return true
	}
	return false
}

// ExecutionMode selects where the agent runs
type ExecutionMode string

const (
	ExecutionModeWorktree ExecutionMode = "worktree"
	ExecutionModeLocal    ExecutionMode = "local"
)

// SessionMode selects discrete (one turn) or persistent (multi turn) sessions
type SessionMode string

const (
	SessionModeDiscrete   SessionMode = "discrete"
	SessionModePersistent SessionMode = "persistent"
)

// SessionEndMode selects the resting state of a persistent session between turns
type SessionEndMode string

const (
	SessionEndModeWaiting SessionEndMode = "waiting"
	SessionEndModePaused  SessionEndMode = "paused"
)

// Execution represents one agent run against a stream
type Execution struct {
	ID           string          `json:"id"`
	StreamID     string          `json:"stream_id"`
	IssueID      *string         `json:"issue_id,omitempty"`
	AgentKind    string          `json:"agent_kind"`
	Mode         ExecutionMode   `json:"mode"`
	Prompt       string          `json:"prompt"`
	ParentID     *string         `json:"parent_id,omitempty"`
	SessionID    *string         `json:"session_id,omitempty"`
	WorktreePath *string         `json:"worktree_path,omitempty"`
	BeforeCommit string          `json:"before_commit"`
	AfterCommit  *string         `json:"after_commit,omitempty"`
	Status       ExecutionStatus `json:"status"`
	Error        *string         `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// ExecutionConfig carries per-execution agent settings
type ExecutionConfig struct {
	Mode           ExecutionMode    `json:"mode"`
	Model          string           `json:"model,omitempty"`
	Timeout        int              `json:"timeout,omitempty"` // seconds
	McpServers     []McpServerEntry `json:"mcpServers,omitempty"`
	SessionMode    SessionMode      `json:"sessionMode,omitempty"`
	SessionEndMode SessionEndMode   `json:"sessionEndMode,omitempty"`
}

// McpServerEntry names a tool server the agent should connect to
type McpServerEntry struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	URL     string   `json:"url,omitempty"`
}

// CreateExecutionRequest for starting an agent run on an issue
type CreateExecutionRequest struct {
	Prompt    string          `json:"prompt" binding:"required"`
	AgentType string          `json:"agentType,omitempty"`
	Config    ExecutionConfig `json:"config"`
}

// FollowUpRequest for continuing a finished or waiting execution
type FollowUpRequest struct {
	Feedback string `json:"feedback" binding:"required"`
}
