package project

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sudocode-ai/sudocode/internal/common/apierr"
	"github.com/sudocode-ai/sudocode/internal/merger"
	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
)

// CreateSpec files a new spec with a freshly allocated stable id.
func (p *Project) CreateSpec(title, content, filePath string) (*v1.Spec, error) {
	if strings.TrimSpace(title) == "" {
		return nil, apierr.Validation("spec title is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := readRecords(p.SpecsPath())
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	spec := &v1.Spec{
		ID:        nextStableID(records, SpecIDPrefix),
		UUID:      uuid.New().String(),
		Title:     title,
		Content:   content,
		FilePath:  filePath,
		CreatedAt: now,
		UpdatedAt: now,
	}

	rec, err := toRecord(spec)
	if err != nil {
		return nil, err
	}
	records = append(records, rec)
	if err := writeRecords(p.SpecsPath(), records); err != nil {
		return nil, err
	}
	return spec, nil
}

// GetSpec looks up a spec by stable id or UUID.
func (p *Project) GetSpec(id string) (*v1.Spec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := readRecords(p.SpecsPath())
	if err != nil {
		return nil, err
	}
	rec := findRecord(records, id)
	if rec == nil {
		return nil, apierr.NotFound("spec", id)
	}
	var spec v1.Spec
	if err := fromRecord(rec, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// UpdateSpec replaces a spec's title, content and file path.
func (p *Project) UpdateSpec(id string, title, content, filePath *string) (*v1.Spec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := readRecords(p.SpecsPath())
	if err != nil {
		return nil, err
	}
	rec := findRecord(records, id)
	if rec == nil {
		return nil, apierr.NotFound("spec", id)
	}
	var spec v1.Spec
	if err := fromRecord(rec, &spec); err != nil {
		return nil, err
	}
	if title != nil {
		spec.Title = *title
	}
	if content != nil {
		spec.Content = *content
	}
	if filePath != nil {
		spec.FilePath = *filePath
	}
	spec.UpdatedAt = time.Now().UTC()

	updated, err := toRecord(&spec)
	if err != nil {
		return nil, err
	}
	replaceRecord(records, rec.UUID(), updated)
	if err := writeRecords(p.SpecsPath(), records); err != nil {
		return nil, err
	}
	return &spec, nil
}

// DeleteSpec removes a spec and its references.
func (p *Project) DeleteSpec(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := readRecords(p.SpecsPath())
	if err != nil {
		return err
	}
	rec := findRecord(records, id)
	if rec == nil {
		return apierr.NotFound("spec", id)
	}
	stableID := rec.StableID()

	kept := records[:0]
	for _, r := range records {
		if r.UUID() != rec.UUID() {
			kept = append(kept, r)
		}
	}
	if err := writeRecords(p.SpecsPath(), kept); err != nil {
		return err
	}
	if err := p.dropReferencesLocked(p.RelationshipsPath(), stableID, "from_id", "to_id"); err != nil {
		return err
	}
	return p.dropReferencesLocked(p.FeedbackPath(), stableID, "from_id", "to_id")
}

// ListSpecs returns all specs ordered by creation time.
func (p *Project) ListSpecs() ([]*v1.Spec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := readRecords(p.SpecsPath())
	if err != nil {
		return nil, err
	}
	merger.SortByCreatedAt(records)
	specs := make([]*v1.Spec, 0, len(records))
	for _, rec := range records {
		var spec v1.Spec
		if err := fromRecord(rec, &spec); err != nil {
			return nil, err
		}
		specs = append(specs, &spec)
	}
	return specs, nil
}
