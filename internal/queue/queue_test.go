package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
	"github.com/sudocode-ai/sudocode/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "sudocode.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, nil, nil)
}

func entry(execID, streamID, target string, priority int) *v1.QueueEntry {
	return &v1.QueueEntry{
		Target:      target,
		ExecutionID: execID,
		StreamID:    streamID,
		AgentKind:   "claude-code",
		Priority:    priority,
	}
}

func TestEnqueueRejectsDuplicateExecution(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, entry("exec-1", "stream-1", "main", 0))
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, entry("exec-1", "stream-1", "main", 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already queued")
}

func TestPositionOrdersByPriorityThenInsertion(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, entry("exec-a", "stream-a", "main", 5))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, entry("exec-b", "stream-b", "main", 1))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, entry("exec-c", "stream-c", "main", 5))
	require.NoError(t, err)

	pos, err := s.Position(ctx, "exec-b")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	pos, err = s.Position(ctx, "exec-a")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	pos, err = s.Position(ctx, "exec-c")
	require.NoError(t, err)
	assert.Equal(t, 3, pos)
}

func TestNextLandsHeadAndRecordsOutcome(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, entry("exec-1", "stream-1", "main", 0))
	require.NoError(t, err)

	var landed []string
	res, err := s.Next(ctx, "main", func(ctx context.Context, e *v1.QueueEntry) (*v1.SyncResult, error) {
		landed = append(landed, e.ExecutionID)
		return &v1.SyncResult{StreamID: e.StreamID, Target: e.Target, Commit: "abc123"}, nil
	})
	require.NoError(t, err)

	require.NotNil(t, res.Entry)
	assert.Equal(t, v1.QueueEntryLanded, res.Entry.Status)
	assert.Equal(t, []string{"exec-1"}, landed)
	require.NotNil(t, res.Result)
	assert.Equal(t, "abc123", res.Result.Commit)

	status, err := s.Status(ctx, "main")
	require.NoError(t, err)
	assert.Nil(t, status.Merging)
	assert.Empty(t, status.Entries)
}

func TestNextFailureLeavesRestPending(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, entry("exec-1", "stream-1", "main", 0))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, entry("exec-2", "stream-2", "main", 0))
	require.NoError(t, err)

	res, err := s.Next(ctx, "main", func(context.Context, *v1.QueueEntry) (*v1.SyncResult, error) {
		return nil, errors.New("merge conflict")
	})
	require.NoError(t, err)
	assert.Equal(t, v1.QueueEntryFailed, res.Entry.Status)
	assert.Contains(t, res.Error, "merge conflict")

	status, err := s.Status(ctx, "main")
	require.NoError(t, err)
	require.Len(t, status.Entries, 1)
	assert.Equal(t, "exec-2", status.Entries[0].ExecutionID)
	assert.Equal(t, v1.QueueEntryPending, status.Entries[0].Status)
}

func TestNextOnEmptyTargetIsNotAnError(t *testing.T) {
	s := newTestService(t)
	res, err := s.Next(context.Background(), "no-such-target", func(context.Context, *v1.QueueEntry) (*v1.SyncResult, error) {
		t.Fatal("land must not run on an empty queue")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, res.Entry)
}

func TestDequeueCancelsPendingOnly(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, entry("exec-1", "stream-1", "main", 0))
	require.NoError(t, err)
	require.NoError(t, s.Dequeue(ctx, "exec-1"))

	status, err := s.Status(ctx, "main")
	require.NoError(t, err)
	assert.Empty(t, status.Entries)

	// Re-enqueue works once the old entry is cancelled.
	_, err = s.Enqueue(ctx, entry("exec-1", "stream-1", "main", 0))
	require.NoError(t, err)
}

func TestDequeueIsIdempotent(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, entry("exec-1", "stream-1", "main", 0))
	require.NoError(t, err)

	require.NoError(t, s.Dequeue(ctx, "exec-1"))
	require.NoError(t, s.Dequeue(ctx, "exec-1"))

	// An execution that was never queued dequeues cleanly too.
	require.NoError(t, s.Dequeue(ctx, "exec-unknown"))
}

func TestDrainProcessesUntilEmpty(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"exec-1", "exec-2", "exec-3"} {
		_, err := s.Enqueue(ctx, entry(id, "stream-"+id, "main", 0))
		require.NoError(t, err)
	}

	var order []string
	results, err := s.Drain(ctx, "main", func(ctx context.Context, e *v1.QueueEntry) (*v1.SyncResult, error) {
		order = append(order, e.ExecutionID)
		return &v1.SyncResult{}, nil
	})
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, []string{"exec-1", "exec-2", "exec-3"}, order)
}

func TestDrainStopsOnFailure(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, entry("exec-1", "stream-1", "main", 0))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, entry("exec-2", "stream-2", "main", 0))
	require.NoError(t, err)

	results, err := s.Drain(ctx, "main", func(ctx context.Context, e *v1.QueueEntry) (*v1.SyncResult, error) {
		return nil, errors.New("boom")
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "exec-1", results[0].Entry.ExecutionID)

	status, err := s.Status(ctx, "main")
	require.NoError(t, err)
	require.Len(t, status.Entries, 1)
	assert.Equal(t, "exec-2", status.Entries[0].ExecutionID)
}
