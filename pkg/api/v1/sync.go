package v1

import "time"

// SyncStrategy selects how stream commits land on the target branch
type SyncStrategy string

const (
	SyncStrategySquash   SyncStrategy = "squash"
	SyncStrategyPreserve SyncStrategy = "preserve"
	SyncStrategyStage    SyncStrategy = "stage"
)

// CommitInfo describes one commit in a sync preview
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Subject   string    `json:"subject"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// ConflictFile is one path that cannot merge cleanly
type ConflictFile struct {
	Path string `json:"path"`
	// Structured files get reconciled field by field instead of failing the sync
	Structured bool `json:"structured"`
}

// SyncPreview reports what a sync would do without touching the target branch
type SyncPreview struct {
	StreamID     string         `json:"stream_id"`
	Target       string         `json:"target"`
	Commits      []CommitInfo   `json:"commits"`
	Stats        DiffStats      `json:"stats"`
	Conflicts    []ConflictFile `json:"conflicts,omitempty"`
	CleanMerge   bool           `json:"clean_merge"`
	UpToDate     bool           `json:"up_to_date"`
	BehindTarget int            `json:"behind_target"`
}

// SyncRequest launches a sync of a stream into the target branch.
// The strategy comes from the request path.
type SyncRequest struct {
	Target  string `json:"target,omitempty"`
	Message string `json:"message,omitempty"`
}

// StructuredMergeNote records a field-level reconciliation performed during sync
type StructuredMergeNote struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"` // renumbered, field_merged, text_merged
	Detail  string `json:"detail,omitempty"`
	OldID   string `json:"old_id,omitempty"`
	NewID   string `json:"new_id,omitempty"`
	RecordU string `json:"record_uuid,omitempty"`
}

// SyncResult reports a completed sync
type SyncResult struct {
	StreamID     string                `json:"stream_id"`
	Target       string                `json:"target"`
	Strategy     SyncStrategy          `json:"strategy"`
	Commit       string                `json:"commit,omitempty"`
	SafetyTag    string                `json:"safety_tag,omitempty"`
	Staged       bool                  `json:"staged,omitempty"`
	Stats        DiffStats             `json:"stats"`
	Notes        []StructuredMergeNote `json:"notes,omitempty"`
	LandedAt     time.Time             `json:"landed_at"`
	CommitsCount int                   `json:"commits_count"`
}

// SyncResponse pairs a sync result with the cascade it triggered, if any
type SyncResponse struct {
	Result  *SyncResult    `json:"result"`
	Cascade *CascadeReport `json:"cascade,omitempty"`
}

// CascadeStreamResult reports how one dependent stream fared during a cascade
type CascadeStreamResult string

const (
	CascadeStreamRebased  CascadeStreamResult = "rebased"
	CascadeStreamSkipped  CascadeStreamResult = "skipped"
	CascadeStreamConflict CascadeStreamResult = "conflict"
)

// CascadeEntry is one affected stream in a cascade report
type CascadeEntry struct {
	StreamID      string              `json:"stream_id"`
	IssueID       string              `json:"issue_id,omitempty"`
	Result        CascadeStreamResult `json:"result"`
	ConflictFiles []string            `json:"conflict_files,omitempty"`
	Detail        string              `json:"detail,omitempty"`
}

// CascadeReport summarizes a dependent-stream rebase pass after a landing
type CascadeReport struct {
	TriggeredBy     string         `json:"triggered_by"`
	AffectedStreams []CascadeEntry `json:"affected_streams"`
	Complete        bool           `json:"complete"`
}
