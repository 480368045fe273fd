package v1

import "time"

// IssueStatus tracks a work item from filing to done
type IssueStatus string

const (
	IssueStatusOpen       IssueStatus = "open"
	IssueStatusInProgress IssueStatus = "in_progress"
	IssueStatusBlocked    IssueStatus = "blocked"
	IssueStatusClosed     IssueStatus = "closed"
)

// IssuePriority orders work items; lower numbers are more urgent
type IssuePriority int

const (
	IssuePriorityCritical IssuePriority = 0
	IssuePriorityHigh     IssuePriority = 1
	IssuePriorityMedium   IssuePriority = 2
	IssuePriorityLow      IssuePriority = 3
)

// Issue is a tracked work item
type Issue struct {
	ID        string        `json:"id"`
	UUID      string        `json:"uuid"`
	Title     string        `json:"title"`
	Content   string        `json:"content,omitempty"`
	Status    IssueStatus   `json:"status"`
	Priority  IssuePriority `json:"priority"`
	ParentID  *string       `json:"parent_id,omitempty"`
	Tags      []string      `json:"tags,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Spec is a design document records link against
type Spec struct {
	ID        string    `json:"id"`
	UUID      string    `json:"uuid"`
	Title     string    `json:"title"`
	Content   string    `json:"content,omitempty"`
	FilePath  string    `json:"file_path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RelationshipType names how two records relate
type RelationshipType string

const (
	RelationshipBlocks     RelationshipType = "blocks"
	RelationshipDependsOn  RelationshipType = "depends-on"
	RelationshipImplements RelationshipType = "implements"
	RelationshipReferences RelationshipType = "references"
	RelationshipRelated    RelationshipType = "related"
)

// Relationship links two records by stable id
type Relationship struct {
	FromID    string           `json:"from_id"`
	FromType  string           `json:"from_type"`
	ToID      string           `json:"to_id"`
	ToType    string           `json:"to_type"`
	Type      RelationshipType `json:"type"`
	CreatedAt time.Time        `json:"created_at"`
}

// Feedback is a comment attached from one record to another
type Feedback struct {
	UUID      string    `json:"uuid"`
	FromID    string    `json:"from_id"`
	ToID      string    `json:"to_id"`
	Type      string    `json:"type,omitempty"`
	Content   string    `json:"content"`
	Dismissed bool      `json:"dismissed"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateIssueRequest files a new work item
type CreateIssueRequest struct {
	Title    string        `json:"title" binding:"required"`
	Content  string        `json:"content,omitempty"`
	Priority IssuePriority `json:"priority,omitempty"`
	ParentID string        `json:"parent_id,omitempty"`
	Tags     []string      `json:"tags,omitempty"`
}

// UpdateIssueRequest patches a work item; nil fields are left unchanged
type UpdateIssueRequest struct {
	Title    *string        `json:"title,omitempty"`
	Content  *string        `json:"content,omitempty"`
	Status   *IssueStatus   `json:"status,omitempty"`
	Priority *IssuePriority `json:"priority,omitempty"`
	Tags     *[]string      `json:"tags,omitempty"`
}

// AddFeedbackRequest attaches feedback to a record
type AddFeedbackRequest struct {
	FromID  string `json:"from_id"`
	ToID    string `json:"to_id" binding:"required"`
	Type    string `json:"type,omitempty"`
	Content string `json:"content" binding:"required"`
}
