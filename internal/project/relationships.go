package project

import (
	"time"

	"github.com/sudocode-ai/sudocode/internal/common/apierr"
	"github.com/sudocode-ai/sudocode/internal/merger"
	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
)

// relationship identity is the full edge tuple; the files carry no uuid.
var relationshipTuple = []string{"from_id", "from_type", "to_id", "to_type", "type"}

// RelationshipTupleFields returns the fields identifying a relationship
// record. The sync engine passes these to the merger for the edge file.
func RelationshipTupleFields() []string {
	return append([]string(nil), relationshipTuple...)
}

// AddRelationship records a directed labeled edge between two entities.
// Duplicate edges are a no-op.
func (p *Project) AddRelationship(rel v1.Relationship) error {
	switch rel.Type {
	case v1.RelationshipBlocks, v1.RelationshipDependsOn, v1.RelationshipImplements,
		v1.RelationshipReferences, v1.RelationshipRelated:
	default:
		return apierr.Validation("unknown relationship type %q", rel.Type)
	}
	if rel.FromID == "" || rel.ToID == "" {
		return apierr.Validation("relationship endpoints are required")
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := readRecords(p.RelationshipsPath())
	if err != nil {
		return err
	}
	rec, err := toRecord(&rel)
	if err != nil {
		return err
	}
	key := relationshipKey(rec)
	for _, existing := range records {
		if relationshipKey(existing) == key {
			return nil
		}
	}
	records = append(records, rec)
	return writeRecords(p.RelationshipsPath(), records)
}

// RemoveRelationship deletes the matching edge if present.
func (p *Project) RemoveRelationship(rel v1.Relationship) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := readRecords(p.RelationshipsPath())
	if err != nil {
		return err
	}
	rec, err := toRecord(&rel)
	if err != nil {
		return err
	}
	key := relationshipKey(rec)
	kept := records[:0]
	for _, existing := range records {
		if relationshipKey(existing) != key {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(records) {
		return nil
	}
	return writeRecords(p.RelationshipsPath(), kept)
}

// ListRelationships returns every edge, optionally filtered by endpoint id.
func (p *Project) ListRelationships(entityID string) ([]v1.Relationship, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listRelationshipsLocked(entityID)
}

func (p *Project) listRelationshipsLocked(entityID string) ([]v1.Relationship, error) {
	records, err := readRecords(p.RelationshipsPath())
	if err != nil {
		return nil, err
	}
	var rels []v1.Relationship
	for _, rec := range records {
		var rel v1.Relationship
		if err := fromRecord(rec, &rel); err != nil {
			return nil, err
		}
		if entityID != "" && rel.FromID != entityID && rel.ToID != entityID {
			continue
		}
		rels = append(rels, rel)
	}
	return rels, nil
}

// Blockers returns the issues that must land before the given issue:
// the A of every blocks(A, issue) edge plus the B of every
// depends-on(issue, B) edge.
func (p *Project) Blockers(issueID string) ([]string, error) {
	rels, err := p.ListRelationships(issueID)
	if err != nil {
		return nil, err
	}
	var blockers []string
	seen := make(map[string]bool)
	for _, rel := range rels {
		var dep string
		switch {
		case rel.Type == v1.RelationshipBlocks && rel.ToID == issueID:
			dep = rel.FromID
		case rel.Type == v1.RelationshipDependsOn && rel.FromID == issueID:
			dep = rel.ToID
		default:
			continue
		}
		if !seen[dep] {
			seen[dep] = true
			blockers = append(blockers, dep)
		}
	}
	return blockers, nil
}

// Dependents returns the issues directly downstream of the given issue:
// the B of every blocks(issue, B) edge plus the A of every
// depends-on(A, issue) edge.
func (p *Project) Dependents(issueID string) ([]string, error) {
	rels, err := p.ListRelationships(issueID)
	if err != nil {
		return nil, err
	}
	var deps []string
	seen := make(map[string]bool)
	for _, rel := range rels {
		var dep string
		switch {
		case rel.Type == v1.RelationshipBlocks && rel.FromID == issueID:
			dep = rel.ToID
		case rel.Type == v1.RelationshipDependsOn && rel.ToID == issueID:
			dep = rel.FromID
		default:
			continue
		}
		if !seen[dep] {
			seen[dep] = true
			deps = append(deps, dep)
		}
	}
	return deps, nil
}

func relationshipKey(rec merger.Record) string {
	key := ""
	for _, f := range relationshipTuple {
		if s, ok := rec[f].(string); ok {
			key += s
		}
		key += "\x1f"
	}
	return key
}
