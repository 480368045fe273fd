package project

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sudocode-ai/sudocode/internal/common/apierr"
	"github.com/sudocode-ai/sudocode/internal/merger"
	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
)

// CreateIssue files a new issue with a freshly allocated stable id.
func (p *Project) CreateIssue(req v1.CreateIssueRequest) (*v1.Issue, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, apierr.Validation("issue title is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := readRecords(p.IssuesPath())
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	issue := &v1.Issue{
		ID:        nextStableID(records, IssueIDPrefix),
		UUID:      uuid.New().String(),
		Title:     req.Title,
		Content:   req.Content,
		Status:    v1.IssueStatusOpen,
		Priority:  req.Priority,
		Tags:      req.Tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.ParentID != "" {
		issue.ParentID = &req.ParentID
	}

	rec, err := toRecord(issue)
	if err != nil {
		return nil, err
	}
	records = append(records, rec)
	if err := writeRecords(p.IssuesPath(), records); err != nil {
		return nil, err
	}
	return issue, nil
}

// GetIssue looks up an issue by stable id or UUID.
func (p *Project) GetIssue(id string) (*v1.Issue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getIssueLocked(id)
}

func (p *Project) getIssueLocked(id string) (*v1.Issue, error) {
	records, err := readRecords(p.IssuesPath())
	if err != nil {
		return nil, err
	}
	rec := findRecord(records, id)
	if rec == nil {
		return nil, apierr.NotFound("issue", id)
	}
	var issue v1.Issue
	if err := fromRecord(rec, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// UpdateIssue patches an issue; nil request fields are left unchanged.
func (p *Project) UpdateIssue(id string, req v1.UpdateIssueRequest) (*v1.Issue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := readRecords(p.IssuesPath())
	if err != nil {
		return nil, err
	}
	rec := findRecord(records, id)
	if rec == nil {
		return nil, apierr.NotFound("issue", id)
	}
	var issue v1.Issue
	if err := fromRecord(rec, &issue); err != nil {
		return nil, err
	}

	if req.Title != nil {
		issue.Title = *req.Title
	}
	if req.Content != nil {
		issue.Content = *req.Content
	}
	if req.Status != nil {
		switch *req.Status {
		case v1.IssueStatusOpen, v1.IssueStatusInProgress, v1.IssueStatusBlocked, v1.IssueStatusClosed:
		default:
			return nil, apierr.Validation("unknown issue status %q", *req.Status)
		}
		issue.Status = *req.Status
	}
	if req.Priority != nil {
		issue.Priority = *req.Priority
	}
	if req.Tags != nil {
		issue.Tags = *req.Tags
	}
	issue.UpdatedAt = time.Now().UTC()

	updated, err := toRecord(&issue)
	if err != nil {
		return nil, err
	}
	replaceRecord(records, rec.UUID(), updated)
	if err := writeRecords(p.IssuesPath(), records); err != nil {
		return nil, err
	}
	return &issue, nil
}

// DeleteIssue removes an issue and every relationship or feedback record
// that references it.
func (p *Project) DeleteIssue(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := readRecords(p.IssuesPath())
	if err != nil {
		return err
	}
	rec := findRecord(records, id)
	if rec == nil {
		return apierr.NotFound("issue", id)
	}
	stableID := rec.StableID()

	kept := records[:0]
	for _, r := range records {
		if r.UUID() != rec.UUID() {
			kept = append(kept, r)
		}
	}
	if err := writeRecords(p.IssuesPath(), kept); err != nil {
		return err
	}
	if err := p.dropReferencesLocked(p.RelationshipsPath(), stableID, "from_id", "to_id"); err != nil {
		return err
	}
	return p.dropReferencesLocked(p.FeedbackPath(), stableID, "from_id", "to_id")
}

// ListIssues returns all issues ordered by creation time.
func (p *Project) ListIssues() ([]*v1.Issue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := readRecords(p.IssuesPath())
	if err != nil {
		return nil, err
	}
	merger.SortByCreatedAt(records)
	issues := make([]*v1.Issue, 0, len(records))
	for _, rec := range records {
		var issue v1.Issue
		if err := fromRecord(rec, &issue); err != nil {
			return nil, err
		}
		issues = append(issues, &issue)
	}
	return issues, nil
}

// IssueExists reports whether an issue with the given stable id or UUID
// exists.
func (p *Project) IssueExists(id string) bool {
	issue, err := p.GetIssue(id)
	return err == nil && issue != nil
}

// dropReferencesLocked removes records whose key fields reference the id.
func (p *Project) dropReferencesLocked(path, id string, fields ...string) error {
	records, err := readRecords(path)
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, rec := range records {
		refs := false
		for _, f := range fields {
			if s, ok := rec[f].(string); ok && s == id {
				refs = true
				break
			}
		}
		if !refs {
			kept = append(kept, rec)
		}
	}
	if len(kept) == len(records) {
		return nil
	}
	return writeRecords(path, kept)
}

// findRecord matches by stable id first, then by UUID.
func findRecord(records []merger.Record, id string) merger.Record {
	for _, rec := range records {
		if rec.StableID() == id {
			return rec
		}
	}
	for _, rec := range records {
		if rec.UUID() == id {
			return rec
		}
	}
	return nil
}

func replaceRecord(records []merger.Record, uuid string, rec merger.Record) {
	for i, r := range records {
		if r.UUID() == uuid {
			records[i] = rec
			return
		}
	}
}

// nextStableID allocates the next monotonic display id for a prefix.
func nextStableID(records []merger.Record, prefix string) string {
	max := 0
	for _, rec := range records {
		id := rec.StableID()
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		rest := strings.TrimPrefix(id, prefix)
		if dot := strings.IndexByte(rest, '.'); dot >= 0 {
			rest = rest[:dot]
		}
		if n, err := strconv.Atoi(rest); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s%03d", prefix, max+1)
}
