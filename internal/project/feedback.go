package project

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sudocode-ai/sudocode/internal/common/apierr"
	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
)

// Feedback types carried by the record files.
const (
	FeedbackComment        = "comment"
	FeedbackSuggestion     = "suggestion"
	FeedbackApproval       = "approval"
	FeedbackRequestChanges = "request_changes"
)

// AddFeedback attaches a feedback record to an entity.
func (p *Project) AddFeedback(req v1.AddFeedbackRequest) (*v1.Feedback, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, apierr.Validation("feedback content is required")
	}
	if req.ToID == "" {
		return nil, apierr.Validation("feedback target is required")
	}
	fbType := req.Type
	if fbType == "" {
		fbType = FeedbackComment
	}
	switch fbType {
	case FeedbackComment, FeedbackSuggestion, FeedbackApproval, FeedbackRequestChanges:
	default:
		return nil, apierr.Validation("unknown feedback type %q", fbType)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := readRecords(p.FeedbackPath())
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	fb := &v1.Feedback{
		UUID:      uuid.New().String(),
		FromID:    req.FromID,
		ToID:      req.ToID,
		Type:      fbType,
		Content:   req.Content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec, err := toRecord(fb)
	if err != nil {
		return nil, err
	}
	records = append(records, rec)
	if err := writeRecords(p.FeedbackPath(), records); err != nil {
		return nil, err
	}
	return fb, nil
}

// DismissFeedback marks a feedback record dismissed.
func (p *Project) DismissFeedback(uuid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := readRecords(p.FeedbackPath())
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.UUID() == uuid {
			rec["dismissed"] = true
			rec["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
			return writeRecords(p.FeedbackPath(), records)
		}
	}
	return apierr.NotFound("feedback", uuid)
}

// ListFeedback returns feedback, optionally filtered by target entity id.
func (p *Project) ListFeedback(toID string) ([]v1.Feedback, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := readRecords(p.FeedbackPath())
	if err != nil {
		return nil, err
	}
	var out []v1.Feedback
	for _, rec := range records {
		var fb v1.Feedback
		if err := fromRecord(rec, &fb); err != nil {
			return nil, err
		}
		if toID != "" && fb.ToID != toID {
			continue
		}
		out = append(out, fb)
	}
	return out, nil
}
