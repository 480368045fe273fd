package project

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/sudocode-ai/sudocode/internal/merger"
)

// ImportOptions controls a record-file import.
type ImportOptions struct {
	// ResolveCollisions renumbers colliding incoming records instead of
	// skipping them.
	ResolveCollisions bool
}

// ImportResult reports a full import across all record files.
type ImportResult struct {
	Specs         *merger.ReconcileResult `json:"specs,omitempty"`
	Issues        *merger.ReconcileResult `json:"issues,omitempty"`
	Relationships *merger.ReconcileResult `json:"relationships,omitempty"`
	Feedback      *merger.ReconcileResult `json:"feedback,omitempty"`
	Warnings      []string                `json:"warnings,omitempty"`
}

// legacy feedback files keyed records by issue_id and spec_id.
var legacyFeedbackKeys = map[string]string{
	"issue_id": "from_id",
	"spec_id":  "to_id",
}

// fields holding stable ids, rewritten when an import renumbers a record.
var (
	renameKeyFields     = []string{"from_id", "to_id", "parent_id"}
	renameContentFields = []string{"content", "description", "title", "notes"}
)

// Import merges record files from a directory into the project. Specs and
// issues reconcile by UUID with stable-id collision handling; relationships
// dedup on the edge tuple and drop edges referencing unknown entities;
// feedback reconciles by UUID after legacy key normalization. Renumbered ids
// are rewritten across all imported records before anything is persisted, so
// a failed import leaves the project untouched.
func (p *Project) Import(dir string, opts ImportOptions) (*ImportResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	incomingSpecs, err := readRecords(filepath.Join(dir, SpecsFile))
	if err != nil {
		return nil, err
	}
	incomingIssues, err := readRecords(filepath.Join(dir, IssuesFile))
	if err != nil {
		return nil, err
	}
	incomingRels, err := readRecords(filepath.Join(dir, RelationshipsFile))
	if err != nil {
		return nil, err
	}
	incomingFeedback, err := readRecords(filepath.Join(dir, FeedbackFile))
	if err != nil {
		return nil, err
	}
	merger.NormalizeLegacyKeys(incomingFeedback, legacyFeedbackKeys)

	localSpecs, err := readRecords(p.SpecsPath())
	if err != nil {
		return nil, err
	}
	localIssues, err := readRecords(p.IssuesPath())
	if err != nil {
		return nil, err
	}
	localRels, err := readRecords(p.RelationshipsPath())
	if err != nil {
		return nil, err
	}
	localFeedback, err := readRecords(p.FeedbackPath())
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}

	result.Specs, err = merger.Reconcile(localSpecs, incomingSpecs, merger.ReconcileOptions{
		IDPrefix:          SpecIDPrefix,
		ResolveCollisions: opts.ResolveCollisions,
	})
	if err != nil {
		return nil, err
	}
	result.Issues, err = merger.Reconcile(localIssues, incomingIssues, merger.ReconcileOptions{
		IDPrefix:          IssueIDPrefix,
		ResolveCollisions: opts.ResolveCollisions,
	})
	if err != nil {
		return nil, err
	}

	// Propagate renumbered ids through every record that may reference them.
	renames := make(map[string]string)
	for _, r := range result.Specs.Renames {
		renames[r.OldID] = r.NewID
	}
	for _, r := range result.Issues.Renames {
		renames[r.OldID] = r.NewID
	}
	if len(renames) > 0 {
		merger.ApplyRenames(incomingRels, renames, renameKeyFields, nil)
		merger.ApplyRenames(incomingFeedback, renames, renameKeyFields, renameContentFields)
		merger.ApplyRenames(importedOnly(result.Specs), renames, renameKeyFields, renameContentFields)
		merger.ApplyRenames(importedOnly(result.Issues), renames, renameKeyFields, renameContentFields)
	}

	known := make(map[string]bool)
	for _, rec := range result.Specs.Records {
		known[rec.StableID()] = true
	}
	for _, rec := range result.Issues.Records {
		known[rec.StableID()] = true
	}

	result.Relationships = merger.ReconcileTuples(localRels, incomingRels,
		relationshipTuple, []string{"from_id", "to_id"},
		func(id string) bool { return known[id] })

	result.Feedback, err = merger.Reconcile(localFeedback, incomingFeedback, merger.ReconcileOptions{})
	if err != nil {
		return nil, err
	}

	for _, r := range []*merger.ReconcileResult{result.Specs, result.Issues, result.Relationships, result.Feedback} {
		result.Warnings = append(result.Warnings, r.Warnings...)
	}

	if err := writeRecords(p.SpecsPath(), result.Specs.Records); err != nil {
		return nil, err
	}
	if err := writeRecords(p.IssuesPath(), result.Issues.Records); err != nil {
		return nil, err
	}
	if err := writeRecords(p.RelationshipsPath(), result.Relationships.Records); err != nil {
		return nil, err
	}
	if err := writeRecords(p.FeedbackPath(), result.Feedback.Records); err != nil {
		return nil, err
	}

	p.logger.Info("import complete",
		zap.Int("specs_added", result.Specs.Added),
		zap.Int("issues_added", result.Issues.Added),
		zap.Int("collisions", len(result.Specs.Collisions)+len(result.Issues.Collisions)),
		zap.Int("warnings", len(result.Warnings)))
	return result, nil
}

// importedOnly filters a reconcile result down to records taken from the
// incoming side; local records never get their identities rewritten.
func importedOnly(r *merger.ReconcileResult) []merger.Record {
	var out []merger.Record
	for _, rec := range r.Records {
		if r.ImportedUUIDs[rec.UUID()] {
			out = append(out, rec)
		}
	}
	return out
}

// Export copies the record files into a directory, creating it if needed.
// Missing record files export as absent, not empty.
func (p *Project) Export(dir string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	for _, name := range []string{SpecsFile, IssuesFile, RelationshipsFile, FeedbackFile} {
		data, err := os.ReadFile(filepath.Join(p.dotDir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read %s: %w", name, err)
		}
		if err := renameio.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("export %s: %w", name, err)
		}
	}
	return nil
}
