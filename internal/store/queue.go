package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sudocode-ai/sudocode/internal/common/apierr"
	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
)

const queueColumns = `id, target, execution_id, stream_id, issue_id, agent_kind, priority, status,
	error_message, position, enqueued_at, started_at, finished_at`

// EnqueueEntry inserts a queue entry at the next position for its target.
func (s *Store) EnqueueEntry(ctx context.Context, entry *v1.QueueEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	if entry.Status == "" {
		entry.Status = v1.QueueEntryPending
	}

	// Position is assigned inside the insert so concurrent enqueues on the
	// same target cannot race; the single-writer pool serializes this.
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COALESCE(MAX(position), 0) + 1 FROM queue_entries WHERE target = ?
	`), entry.Target)
	if err := row.Scan(&entry.Position); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO queue_entries (id, target, execution_id, stream_id, issue_id, agent_kind, priority,
			status, error_message, position, enqueued_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.Target, entry.ExecutionID, entry.StreamID, entry.IssueID, entry.AgentKind,
		entry.Priority, string(entry.Status), entry.Error, entry.Position,
		entry.EnqueuedAt, entry.StartedAt, entry.FinishedAt)
	return err
}

// GetQueueEntry retrieves an entry by ID.
func (s *Store) GetQueueEntry(ctx context.Context, id string) (*v1.QueueEntry, error) {
	row := s.ro.QueryRowContext(ctx, s.rebind(`
		SELECT `+queueColumns+` FROM queue_entries WHERE id = ?
	`), id)
	entry, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("queue entry", id)
	}
	return entry, err
}

// GetQueueEntryByExecution retrieves the live entry for an execution, if any.
func (s *Store) GetQueueEntryByExecution(ctx context.Context, executionID string) (*v1.QueueEntry, error) {
	row := s.ro.QueryRowContext(ctx, s.rebind(`
		SELECT `+queueColumns+` FROM queue_entries
		WHERE execution_id = ? AND status IN ('pending', 'merging')
		ORDER BY enqueued_at DESC LIMIT 1
	`), executionID)
	entry, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("queue entry for execution", executionID)
	}
	return entry, err
}

// ListQueue returns a target's pending entries in merge order: priority
// ascending, then insertion position.
func (s *Store) ListQueue(ctx context.Context, target string) ([]*v1.QueueEntry, error) {
	rows, err := s.ro.QueryContext(ctx, s.rebind(`
		SELECT `+queueColumns+` FROM queue_entries
		WHERE target = ? AND status = 'pending'
		ORDER BY priority ASC, position ASC
	`), target)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// MergingEntry returns the entry currently landing on a target, if any.
func (s *Store) MergingEntry(ctx context.Context, target string) (*v1.QueueEntry, error) {
	row := s.ro.QueryRowContext(ctx, s.rebind(`
		SELECT `+queueColumns+` FROM queue_entries
		WHERE target = ? AND status = 'merging' LIMIT 1
	`), target)
	entry, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

// QueueTargets lists targets with live entries.
func (s *Store) QueueTargets(ctx context.Context) ([]string, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT DISTINCT target FROM queue_entries WHERE status IN ('pending', 'merging')
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var targets []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// UpdateQueueEntryStatus transitions an entry and stamps the matching
// timestamp: started_at on merging, finished_at on any terminal status.
func (s *Store) UpdateQueueEntryStatus(ctx context.Context, id string, status v1.QueueEntryStatus, errMsg *string) error {
	now := time.Now().UTC()
	query := `UPDATE queue_entries SET status = ?, error_message = ?`
	args := []interface{}{string(status), errMsg}
	switch status {
	case v1.QueueEntryMerging:
		query += `, started_at = ?`
		args = append(args, now)
	case v1.QueueEntryLanded, v1.QueueEntryFailed, v1.QueueEntryCancelled:
		query += `, finished_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}
	return requireRow(res, "queue entry", id)
}

// ClaimNextQueueEntry atomically moves a target's head entry from pending to
// merging, provided nothing is merging there already. Returns nil when the
// queue is empty or busy.
func (s *Store) ClaimNextQueueEntry(ctx context.Context, target string) (*v1.QueueEntry, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var busy int
	if err := tx.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM queue_entries WHERE target = ? AND status = 'merging'
	`), target).Scan(&busy); err != nil {
		return nil, err
	}
	if busy > 0 {
		return nil, nil
	}

	row := tx.QueryRowContext(ctx, s.rebind(`
		SELECT `+queueColumns+` FROM queue_entries
		WHERE target = ? AND status = 'pending'
		ORDER BY priority ASC, position ASC LIMIT 1
	`), target)
	entry, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE queue_entries SET status = 'merging', started_at = ? WHERE id = ?
	`), now, entry.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	entry.Status = v1.QueueEntryMerging
	entry.StartedAt = &now
	return entry, nil
}

func scanQueueEntry(row rowScanner) (*v1.QueueEntry, error) {
	entry := &v1.QueueEntry{}
	var issueID, errMsg sql.NullString
	var status string
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&entry.ID, &entry.Target, &entry.ExecutionID, &entry.StreamID, &issueID,
		&entry.AgentKind, &entry.Priority, &status, &errMsg, &entry.Position,
		&entry.EnqueuedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	entry.Status = v1.QueueEntryStatus(status)
	if issueID.Valid {
		entry.IssueID = &issueID.String
	}
	if errMsg.Valid {
		entry.Error = &errMsg.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		entry.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		entry.FinishedAt = &t
	}
	return entry, nil
}
