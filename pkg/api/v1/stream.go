package v1

import "time"

// StreamState tracks a work stream from first execution through landing
type StreamState string

const (
	StreamStateActive    StreamState = "active"
	StreamStateWaiting   StreamState = "waiting"
	StreamStatePaused    StreamState = "paused"
	StreamStateLanded    StreamState = "landed"
	StreamStateAbandoned StreamState = "abandoned"
)

// Stream groups the executions working one issue on one branch
type Stream struct {
	ID           string      `json:"id"`
	IssueID      *string     `json:"issue_id,omitempty"`
	Branch       string      `json:"branch"`
	BaseBranch   string      `json:"base_branch"`
	WorktreePath *string     `json:"worktree_path,omitempty"`
	State        StreamState `json:"state"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}
