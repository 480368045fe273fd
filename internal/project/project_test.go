package project

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudocode-ai/sudocode/internal/merger"
	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
)

func newTestProject(t *testing.T) *Project {
	t.Helper()
	p, err := Open(t.TempDir(), ".sudocode", nil)
	require.NoError(t, err)
	return p
}

func TestIssueCRUD(t *testing.T) {
	p := newTestProject(t)

	t.Run("create allocates sequential stable ids", func(t *testing.T) {
		first, err := p.CreateIssue(v1.CreateIssueRequest{Title: "first"})
		require.NoError(t, err)
		assert.Equal(t, "issue-001", first.ID)
		assert.Equal(t, v1.IssueStatusOpen, first.Status)
		assert.NotEmpty(t, first.UUID)

		second, err := p.CreateIssue(v1.CreateIssueRequest{Title: "second"})
		require.NoError(t, err)
		assert.Equal(t, "issue-002", second.ID)
	})

	t.Run("create rejects blank title", func(t *testing.T) {
		_, err := p.CreateIssue(v1.CreateIssueRequest{Title: "  "})
		assert.Error(t, err)
	})

	t.Run("get resolves stable id and uuid", func(t *testing.T) {
		byID, err := p.GetIssue("issue-001")
		require.NoError(t, err)
		byUUID, err := p.GetIssue(byID.UUID)
		require.NoError(t, err)
		assert.Equal(t, byID.ID, byUUID.ID)
	})

	t.Run("update patches only provided fields", func(t *testing.T) {
		status := v1.IssueStatusInProgress
		updated, err := p.UpdateIssue("issue-001", v1.UpdateIssueRequest{Status: &status})
		require.NoError(t, err)
		assert.Equal(t, v1.IssueStatusInProgress, updated.Status)
		assert.Equal(t, "first", updated.Title)
	})

	t.Run("update rejects unknown status", func(t *testing.T) {
		bad := v1.IssueStatus("archived")
		_, err := p.UpdateIssue("issue-001", v1.UpdateIssueRequest{Status: &bad})
		assert.Error(t, err)
	})

	t.Run("delete removes the issue and its references", func(t *testing.T) {
		require.NoError(t, p.AddRelationship(v1.Relationship{
			FromID: "issue-001", FromType: "issue",
			ToID: "issue-002", ToType: "issue",
			Type: v1.RelationshipBlocks,
		}))
		_, err := p.AddFeedback(v1.AddFeedbackRequest{ToID: "issue-002", Content: "looks off"})
		require.NoError(t, err)

		require.NoError(t, p.DeleteIssue("issue-002"))

		_, err = p.GetIssue("issue-002")
		assert.Error(t, err)
		rels, err := p.ListRelationships("")
		require.NoError(t, err)
		assert.Empty(t, rels)
		fbs, err := p.ListFeedback("")
		require.NoError(t, err)
		assert.Empty(t, fbs)
	})

	t.Run("list orders by creation time", func(t *testing.T) {
		third, err := p.CreateIssue(v1.CreateIssueRequest{Title: "third"})
		require.NoError(t, err)
		// Deletion freed nothing; the counter never reuses ids.
		assert.Equal(t, "issue-003", third.ID)

		issues, err := p.ListIssues()
		require.NoError(t, err)
		require.Len(t, issues, 2)
		assert.Equal(t, "issue-001", issues[0].ID)
		assert.Equal(t, "issue-003", issues[1].ID)
	})
}

func TestSpecCRUD(t *testing.T) {
	p := newTestProject(t)

	spec, err := p.CreateSpec("auth design", "content", "docs/auth.md")
	require.NoError(t, err)
	assert.Equal(t, "spec-001", spec.ID)

	title := "auth design v2"
	updated, err := p.UpdateSpec(spec.ID, &title, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, "content", updated.Content)

	require.NoError(t, p.DeleteSpec(spec.ID))
	_, err = p.GetSpec(spec.ID)
	assert.Error(t, err)
}

func TestRelationshipEdges(t *testing.T) {
	p := newTestProject(t)

	edge := v1.Relationship{
		FromID: "issue-001", FromType: "issue",
		ToID: "issue-002", ToType: "issue",
		Type: v1.RelationshipBlocks,
	}
	require.NoError(t, p.AddRelationship(edge))

	t.Run("duplicate edges are a no-op", func(t *testing.T) {
		require.NoError(t, p.AddRelationship(edge))
		rels, err := p.ListRelationships("")
		require.NoError(t, err)
		assert.Len(t, rels, 1)
	})

	t.Run("unknown relationship type is rejected", func(t *testing.T) {
		bad := edge
		bad.Type = v1.RelationshipType("follows")
		assert.Error(t, p.AddRelationship(bad))
	})

	t.Run("blockers combine blocks and depends-on", func(t *testing.T) {
		require.NoError(t, p.AddRelationship(v1.Relationship{
			FromID: "issue-002", FromType: "issue",
			ToID: "issue-003", ToType: "issue",
			Type: v1.RelationshipDependsOn,
		}))

		blockers, err := p.Blockers("issue-002")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"issue-001", "issue-003"}, blockers)

		deps, err := p.Dependents("issue-001")
		require.NoError(t, err)
		assert.Equal(t, []string{"issue-002"}, deps)
	})

	t.Run("remove deletes only the matching edge", func(t *testing.T) {
		require.NoError(t, p.RemoveRelationship(edge))
		rels, err := p.ListRelationships("")
		require.NoError(t, err)
		assert.Len(t, rels, 1)
	})
}

func TestFeedbackLifecycle(t *testing.T) {
	p := newTestProject(t)

	fb, err := p.AddFeedback(v1.AddFeedbackRequest{
		FromID: "spec-001", ToID: "issue-001",
		Type: FeedbackRequestChanges, Content: "missing error path",
	})
	require.NoError(t, err)
	assert.False(t, fb.Dismissed)

	_, err = p.AddFeedback(v1.AddFeedbackRequest{ToID: "issue-002", Content: "unrelated"})
	require.NoError(t, err)

	t.Run("list filters by target", func(t *testing.T) {
		fbs, err := p.ListFeedback("issue-001")
		require.NoError(t, err)
		require.Len(t, fbs, 1)
		assert.Equal(t, fb.UUID, fbs[0].UUID)
	})

	t.Run("dismiss flips the flag in place", func(t *testing.T) {
		require.NoError(t, p.DismissFeedback(fb.UUID))
		fbs, err := p.ListFeedback("issue-001")
		require.NoError(t, err)
		require.Len(t, fbs, 1)
		assert.True(t, fbs[0].Dismissed)
	})

	t.Run("dismissing an unknown record fails", func(t *testing.T) {
		assert.Error(t, p.DismissFeedback(uuid.New().String()))
	})
}

func TestNextStableID(t *testing.T) {
	tests := []struct {
		name string
		ids  []string
		want string
	}{
		{"empty file starts at one", nil, "issue-001"},
		{"continues past the max", []string{"issue-001", "issue-007"}, "issue-008"},
		{"ignores foreign prefixes", []string{"spec-040"}, "issue-001"},
		{"suffixed duplicates count", []string{"issue-003.2"}, "issue-004"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var records []merger.Record
			for _, id := range tt.ids {
				records = append(records, merger.Record{"id": id})
			}
			if got := nextStableID(records, IssueIDPrefix); got != tt.want {
				t.Errorf("nextStableID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	p := newTestProject(t)

	issue, err := p.CreateIssue(v1.CreateIssueRequest{Title: "round trip"})
	require.NoError(t, err)
	spec, err := p.CreateSpec("design", "body", "")
	require.NoError(t, err)
	require.NoError(t, p.AddRelationship(v1.Relationship{
		FromID: spec.ID, FromType: "spec",
		ToID: issue.ID, ToType: "issue",
		Type: v1.RelationshipImplements,
	}))
	_, err = p.AddFeedback(v1.AddFeedbackRequest{ToID: issue.ID, Content: "note"})
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, p.Export(dir))

	result, err := p.Import(dir, ImportOptions{ResolveCollisions: true})
	require.NoError(t, err)

	for name, r := range map[string]*merger.ReconcileResult{
		"specs": result.Specs, "issues": result.Issues,
		"relationships": result.Relationships, "feedback": result.Feedback,
	} {
		assert.Zero(t, r.Added, "%s added", name)
		assert.Zero(t, r.Updated, "%s updated", name)
		assert.Zero(t, r.Skipped, "%s skipped", name)
		assert.Empty(t, r.Collisions, "%s collisions", name)
	}
	assert.Empty(t, result.Warnings)

	issues, err := p.ListIssues()
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, issue.UUID, issues[0].UUID)
}

func TestImportCollisionRenumbers(t *testing.T) {
	p := newTestProject(t)

	local, err := p.CreateSpec("local design", "local body", "")
	require.NoError(t, err)
	require.Equal(t, "spec-001", local.ID)

	incomingUUID := uuid.New().String()
	incoming := []merger.Record{{
		"id":         "spec-001",
		"uuid":       incomingUUID,
		"title":      "incoming design",
		"content":    "see spec-001 for details",
		"created_at": time.Now().UTC().Add(time.Minute).Format(time.RFC3339Nano),
		"updated_at": time.Now().UTC().Add(time.Minute).Format(time.RFC3339Nano),
	}}
	dir := t.TempDir()
	data, err := merger.EncodeRecords(incoming)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, SpecsFile), data, 0o644))

	fbData, err := merger.EncodeRecords([]merger.Record{{
		"uuid":       uuid.New().String(),
		"to_id":      "spec-001",
		"content":    "comment on spec-001",
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FeedbackFile), fbData, 0o644))

	result, err := p.Import(dir, ImportOptions{ResolveCollisions: true})
	require.NoError(t, err)

	require.Len(t, result.Specs.Collisions, 1)
	collision := result.Specs.Collisions[0]
	assert.True(t, collision.Resolved)
	assert.Equal(t, "spec-002", collision.NewID)
	assert.Equal(t, incomingUUID, collision.IncomingUUID)

	t.Run("local identity survives untouched", func(t *testing.T) {
		got, err := p.GetSpec("spec-001")
		require.NoError(t, err)
		assert.Equal(t, local.UUID, got.UUID)
		assert.Equal(t, "local design", got.Title)
	})

	t.Run("incoming record lands under the new id", func(t *testing.T) {
		got, err := p.GetSpec("spec-002")
		require.NoError(t, err)
		assert.Equal(t, incomingUUID, got.UUID)
		assert.Equal(t, "see spec-002 for details", got.Content)
	})

	t.Run("imported feedback follows the rename", func(t *testing.T) {
		fbs, err := p.ListFeedback("spec-002")
		require.NoError(t, err)
		require.Len(t, fbs, 1)
		assert.Equal(t, "comment on spec-002", fbs[0].Content)
	})
}

func TestStructuredPathDetection(t *testing.T) {
	p := newTestProject(t)

	assert.True(t, p.IsStructuredPath(filepath.Join(".sudocode", IssuesFile)))
	assert.True(t, p.IsStructuredPath(filepath.Join(".sudocode", SpecsFile)))
	assert.False(t, p.IsStructuredPath(filepath.Join(".sudocode", StoreFile)))
	assert.False(t, p.IsStructuredPath("src/issues.jsonl"))

	assert.Equal(t, IssueIDPrefix, StructuredPrefixOf(IssuesFile))
	assert.Equal(t, SpecIDPrefix, StructuredPrefixOf(SpecsFile))
	assert.Equal(t, "", StructuredPrefixOf(FeedbackFile))
}
