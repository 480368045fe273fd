package v1

import "time"

// ReviewState tracks human review of a checkpoint
type ReviewState string

const (
	ReviewStatePending          ReviewState = "pending"
	ReviewStateApproved         ReviewState = "approved"
	ReviewStateChangesRequested ReviewState = "changes_requested"
)

// ReviewAction is a review transition applied to an issue's current checkpoint
type ReviewAction string

const (
	ReviewActionApprove        ReviewAction = "approve"
	ReviewActionRequestChanges ReviewAction = "request_changes"
	ReviewActionReset          ReviewAction = "reset"
)

// Checkpoint is a reviewable snapshot of a stream after an execution.
// The most recent checkpoint is the issue's current checkpoint.
type Checkpoint struct {
	ID          string      `json:"id"`
	IssueID     string      `json:"issue_id"`
	StreamID    string      `json:"stream_id"`
	ExecutionID string      `json:"execution_id"`
	Commit      string      `json:"commit"`
	BaseCommit  string      `json:"base_commit"`
	Message     string      `json:"message,omitempty"`
	Review      ReviewState `json:"review"`
	Reviewer    *string     `json:"reviewer,omitempty"`
	Notes       *string     `json:"notes,omitempty"`
	Landed      bool        `json:"landed"`
	Stats       *DiffStats  `json:"stats,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	ReviewedAt  *time.Time  `json:"reviewed_at,omitempty"`
	LandedAt    *time.Time  `json:"landed_at,omitempty"`
}

// DiffStats summarizes the change a checkpoint or sync carries
type DiffStats struct {
	FilesChanged int `json:"files_changed"`
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
}

// CreateCheckpointRequest snapshots a completed execution
type CreateCheckpointRequest struct {
	Message     string `json:"message,omitempty"`
	AutoEnqueue bool   `json:"autoEnqueue,omitempty"`
}

// ReviewRequest applies a review action to an issue's current checkpoint
type ReviewRequest struct {
	Action   ReviewAction `json:"action" binding:"required"`
	Reviewer string       `json:"reviewer,omitempty"`
	Notes    string       `json:"notes,omitempty"`
}

// PromoteRequest lands an issue's current checkpoint onto the issue's target
type PromoteRequest struct {
	Strategy SyncStrategy `json:"strategy,omitempty"`
	Message  string       `json:"message,omitempty"`
	Force    bool         `json:"force,omitempty"`
}

// PromoteResponse reports the landed result and any cascade it triggered
type PromoteResponse struct {
	Checkpoint *Checkpoint    `json:"checkpoint"`
	Result     *SyncResult    `json:"result"`
	Cascade    *CascadeReport `json:"cascade,omitempty"`
}
