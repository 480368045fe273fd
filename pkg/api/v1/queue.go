package v1

import "time"

// QueueEntryStatus tracks one execution through a target's merge queue
type QueueEntryStatus string

const (
	QueueEntryPending   QueueEntryStatus = "pending"
	QueueEntryMerging   QueueEntryStatus = "merging"
	QueueEntryLanded    QueueEntryStatus = "landed"
	QueueEntryFailed    QueueEntryStatus = "failed"
	QueueEntryCancelled QueueEntryStatus = "cancelled"
)

// QueueEntry is one execution queued to land on a target branch.
// Lower priority values merge first; ties go to earlier insertion.
type QueueEntry struct {
	ID          string           `json:"id"`
	Target      string           `json:"target"`
	ExecutionID string           `json:"execution_id"`
	StreamID    string           `json:"stream_id"`
	IssueID     *string          `json:"issue_id,omitempty"`
	AgentKind   string           `json:"agent_kind,omitempty"`
	Priority    int              `json:"priority"`
	Status      QueueEntryStatus `json:"status"`
	Error       *string          `json:"error,omitempty"`
	Position    int              `json:"position,omitempty"`
	EnqueuedAt  time.Time        `json:"enqueued_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
}

// EnqueueRequest adds an execution to a target branch's merge queue
type EnqueueRequest struct {
	Target   string `json:"target,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// QueueStatusResponse lists a target branch's queue in merge order
type QueueStatusResponse struct {
	Target  string       `json:"target"`
	Merging *QueueEntry  `json:"merging,omitempty"`
	Entries []QueueEntry `json:"entries"`
}

// MergeResult reports one processed queue entry
type MergeResult struct {
	Entry  *QueueEntry `json:"entry"`
	Result *SyncResult `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}
