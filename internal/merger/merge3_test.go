package merger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_SameSideNoOp(t *testing.T) {
	base := []Record{
		issueRec("u1", "issue-001", "first", "2026-01-01T10:00:00Z", "2026-01-01T10:00:00Z"),
	}
	x := []Record{
		issueRec("u1", "issue-001", "edited", "2026-01-01T10:00:00Z", "2026-01-02T10:00:00Z"),
		issueRec("u2", "issue-002", "added", "2026-01-03T10:00:00Z", "2026-01-03T10:00:00Z"),
	}

	result, err := Merge(base, x, x, MergeOptions{})
	require.NoError(t, err)

	assert.False(t, result.HasConflicts())
	require.Len(t, result.Records, 2)
	assert.Equal(t, "edited", result.Records[0]["title"])
	assert.Equal(t, "added", result.Records[1]["title"])
}

func TestMerge_DisjointModifications(t *testing.T) {
	base := []Record{
		issueRec("u1", "issue-001", "one", "2026-01-01T10:00:00Z", "2026-01-01T10:00:00Z"),
		issueRec("u2", "issue-002", "two", "2026-01-02T10:00:00Z", "2026-01-02T10:00:00Z"),
	}
	ours := []Record{
		issueRec("u1", "issue-001", "one edited", "2026-01-01T10:00:00Z", "2026-01-05T10:00:00Z"),
		issueRec("u2", "issue-002", "two", "2026-01-02T10:00:00Z", "2026-01-02T10:00:00Z"),
	}
	theirs := []Record{
		issueRec("u1", "issue-001", "one", "2026-01-01T10:00:00Z", "2026-01-01T10:00:00Z"),
		issueRec("u2", "issue-002", "two edited", "2026-01-02T10:00:00Z", "2026-01-06T10:00:00Z"),
	}

	result, err := Merge(base, ours, theirs, MergeOptions{})
	require.NoError(t, err)

	assert.False(t, result.HasConflicts())
	require.Len(t, result.Records, 2)
	assert.Equal(t, "one edited", result.Records[0]["title"])
	assert.Equal(t, "two edited", result.Records[1]["title"])
}

func TestMerge_BothDeleteIsAbsent(t *testing.T) {
	base := []Record{
		issueRec("u1", "issue-001", "gone", "2026-01-01T10:00:00Z", "2026-01-01T10:00:00Z"),
		issueRec("u2", "issue-002", "stays", "2026-01-02T10:00:00Z", "2026-01-02T10:00:00Z"),
	}
	side := []Record{
		issueRec("u2", "issue-002", "stays", "2026-01-02T10:00:00Z", "2026-01-02T10:00:00Z"),
	}

	result, err := Merge(base, side, side, MergeOptions{})
	require.NoError(t, err)

	require.Len(t, result.Records, 1)
	assert.Equal(t, "u2", result.Records[0].UUID())
}

func TestMerge_ModificationBeatsDeletion(t *testing.T) {
	base := []Record{
		issueRec("u1", "issue-001", "original", "2026-01-01T10:00:00Z", "2026-01-01T10:00:00Z"),
	}
	ours := []Record{} // deleted on our side
	theirs := []Record{
		issueRec("u1", "issue-001", "reworked", "2026-01-01T10:00:00Z", "2026-01-04T10:00:00Z"),
	}

	result, err := Merge(base, ours, theirs, MergeOptions{})
	require.NoError(t, err)

	require.Len(t, result.Records, 1)
	assert.Equal(t, "reworked", result.Records[0]["title"])
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "delete_modify", result.Conflicts[0].Kind)
	assert.Equal(t, "modified_kept", result.Conflicts[0].Resolution)
}

func TestMerge_ScalarLatestWins(t *testing.T) {
	base := []Record{
		issueRec("u1", "issue-001", "original", "2026-01-01T10:00:00Z", "2026-01-01T10:00:00Z"),
	}
	ours := []Record{
		issueRec("u1", "issue-001", "ours title", "2026-01-01T10:00:00Z", "2026-01-03T10:00:00Z"),
	}
	theirs := []Record{
		issueRec("u1", "issue-001", "theirs title", "2026-01-01T10:00:00Z", "2026-01-07T10:00:00Z"),
	}

	result, err := Merge(base, ours, theirs, MergeOptions{})
	require.NoError(t, err)

	require.Len(t, result.Records, 1)
	assert.Equal(t, "theirs title", result.Records[0]["title"])
	assert.Equal(t, "2026-01-07T10:00:00Z", result.Records[0]["updated_at"])
}

func TestMerge_TagUnion(t *testing.T) {
	base := []Record{
		{"uuid": "u1", "id": "issue-001", "tags": []interface{}{"backend"},
			"created_at": "2026-01-01T10:00:00Z", "updated_at": "2026-01-01T10:00:00Z"},
	}
	ours := []Record{
		{"uuid": "u1", "id": "issue-001", "tags": []interface{}{"backend", "urgent"},
			"created_at": "2026-01-01T10:00:00Z", "updated_at": "2026-01-02T10:00:00Z"},
	}
	theirs := []Record{
		{"uuid": "u1", "id": "issue-001", "tags": []interface{}{"backend", "needs-review"},
			"created_at": "2026-01-01T10:00:00Z", "updated_at": "2026-01-03T10:00:00Z"},
	}

	result, err := Merge(base, ours, theirs, MergeOptions{})
	require.NoError(t, err)

	require.Len(t, result.Records, 1)
	tags := result.Records[0]["tags"].([]interface{})
	assert.ElementsMatch(t, []interface{}{"backend", "urgent", "needs-review"}, tags)
}

func TestMerge_TextMergeDisjointHunks(t *testing.T) {
	base := []Record{
		{"uuid": "u1", "id": "spec-001",
			"content":    "alpha\nbravo\ncharlie\ndelta\necho\n",
			"created_at": "2026-01-01T10:00:00Z", "updated_at": "2026-01-01T10:00:00Z"},
	}
	ours := []Record{
		{"uuid": "u1", "id": "spec-001",
			"content":    "alpha edited\nbravo\ncharlie\ndelta\necho\n",
			"created_at": "2026-01-01T10:00:00Z", "updated_at": "2026-01-02T10:00:00Z"},
	}
	theirs := []Record{
		{"uuid": "u1", "id": "spec-001",
			"content":    "alpha\nbravo\ncharlie\ndelta\necho edited\n",
			"created_at": "2026-01-01T10:00:00Z", "updated_at": "2026-01-03T10:00:00Z"},
	}

	result, err := Merge(base, ours, theirs, MergeOptions{})
	require.NoError(t, err)

	require.Len(t, result.Records, 1)
	assert.Equal(t, "alpha edited\nbravo\ncharlie\ndelta\necho edited\n", result.Records[0]["content"])
	assert.False(t, result.HasConflicts())
}

func TestMerge_AddedBothSameIDKeepsBoth(t *testing.T) {
	base := []Record{}
	ours := []Record{
		issueRec("u-old", "issue-005", "older entity", "2026-01-01T10:00:00Z", "2026-01-01T10:00:00Z"),
	}
	theirs := []Record{
		issueRec("u-new", "issue-005", "newer entity", "2026-02-01T10:00:00Z", "2026-02-01T10:00:00Z"),
	}

	result, err := Merge(base, ours, theirs, MergeOptions{})
	require.NoError(t, err)

	require.Len(t, result.Records, 2)
	byUUID := map[string]string{}
	for _, r := range result.Records {
		byUUID[r.UUID()] = r.StableID()
	}
	assert.Equal(t, "issue-005", byUUID["u-old"])
	assert.Equal(t, "issue-005.1", byUUID["u-new"])

	require.Len(t, result.Renames, 1)
	assert.Equal(t, "issue-005.1", result.Renames[0].NewID)
}

func TestMerge_RelationshipsByTuple(t *testing.T) {
	tuple := []string{"from_id", "from_type", "to_id", "to_type", "type"}
	base := []Record{
		{"from_id": "issue-001", "from_type": "issue", "to_id": "issue-002", "to_type": "issue", "type": "blocks"},
	}
	ours := []Record{
		{"from_id": "issue-001", "from_type": "issue", "to_id": "issue-002", "to_type": "issue", "type": "blocks"},
		{"from_id": "issue-002", "from_type": "issue", "to_id": "issue-003", "to_type": "issue", "type": "blocks"},
	}
	theirs := []Record{
		{"from_id": "issue-001", "from_type": "issue", "to_id": "issue-002", "to_type": "issue", "type": "blocks"},
		{"from_id": "issue-003", "from_type": "issue", "to_id": "issue-004", "to_type": "issue", "type": "depends_on"},
	}

	result, err := Merge(base, ours, theirs, MergeOptions{TupleFields: tuple})
	require.NoError(t, err)

	assert.Len(t, result.Records, 3)
}

func TestMergeFiles_RoundTrip(t *testing.T) {
	base := []byte(`{"uuid":"u1","id":"issue-001","title":"one","created_at":"2026-01-01T10:00:00Z","updated_at":"2026-01-01T10:00:00Z"}
`)
	ours := []byte(`{"uuid":"u1","id":"issue-001","title":"one edited","created_at":"2026-01-01T10:00:00Z","updated_at":"2026-01-02T10:00:00Z"}
`)

	data, result, err := MergeFiles(base, ours, base, MergeOptions{})
	require.NoError(t, err)

	assert.False(t, result.HasConflicts())
	records, err := ParseRecords(data)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "one edited", records[0]["title"])
}
