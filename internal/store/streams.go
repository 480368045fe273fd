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

// CreateStream inserts a stream. The ID is assigned when empty.
func (s *Store) CreateStream(ctx context.Context, stream *v1.Stream) error {
	if stream.ID == "" {
		stream.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if stream.CreatedAt.IsZero() {
		stream.CreatedAt = now
	}
	stream.UpdatedAt = now
	if stream.State == "" {
		stream.State = v1.StreamStateActive
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO streams (id, issue_id, branch, base_branch, worktree_path, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), stream.ID, stream.IssueID, stream.Branch, stream.BaseBranch, stream.WorktreePath,
		string(stream.State), stream.CreatedAt, stream.UpdatedAt)
	return err
}

// GetStream retrieves a stream by ID.
func (s *Store) GetStream(ctx context.Context, id string) (*v1.Stream, error) {
	row := s.ro.QueryRowContext(ctx, s.rebind(`
		SELECT id, issue_id, branch, base_branch, worktree_path, state, created_at, updated_at
		FROM streams WHERE id = ?
	`), id)
	stream, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("stream", id)
	}
	return stream, err
}

// GetStreamByBranch retrieves the stream owning a branch.
func (s *Store) GetStreamByBranch(ctx context.Context, branch string) (*v1.Stream, error) {
	row := s.ro.QueryRowContext(ctx, s.rebind(`
		SELECT id, issue_id, branch, base_branch, worktree_path, state, created_at, updated_at
		FROM streams WHERE branch = ?
	`), branch)
	stream, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("stream", branch)
	}
	return stream, err
}

// GetStreamByIssue retrieves the most recent non-abandoned stream for an issue.
func (s *Store) GetStreamByIssue(ctx context.Context, issueID string) (*v1.Stream, error) {
	row := s.ro.QueryRowContext(ctx, s.rebind(`
		SELECT id, issue_id, branch, base_branch, worktree_path, state, created_at, updated_at
		FROM streams WHERE issue_id = ? AND state != 'abandoned'
		ORDER BY created_at DESC LIMIT 1
	`), issueID)
	stream, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("stream for issue", issueID)
	}
	return stream, err
}

// ListStreams returns streams, optionally filtered by state.
func (s *Store) ListStreams(ctx context.Context, state v1.StreamState) ([]*v1.Stream, error) {
	query := `
		SELECT id, issue_id, branch, base_branch, worktree_path, state, created_at, updated_at
		FROM streams`
	args := []interface{}{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.ro.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.Stream
	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, stream)
	}
	return result, rows.Err()
}

// ListStreamsByBase returns live streams based on the given branch. Landed
// and abandoned streams are excluded; these are the cascade candidates after
// a landing on that branch.
func (s *Store) ListStreamsByBase(ctx context.Context, baseBranch string) ([]*v1.Stream, error) {
	rows, err := s.ro.QueryContext(ctx, s.rebind(`
		SELECT id, issue_id, branch, base_branch, worktree_path, state, created_at, updated_at
		FROM streams
		WHERE base_branch = ? AND state NOT IN ('landed', 'abandoned')
		ORDER BY created_at ASC
	`), baseBranch)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.Stream
	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, stream)
	}
	return result, rows.Err()
}

// UpdateStreamState transitions a stream's state.
func (s *Store) UpdateStreamState(ctx context.Context, id string, state v1.StreamState) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE streams SET state = ?, updated_at = ? WHERE id = ?
	`), string(state), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "stream", id)
}

// SetStreamWorktree records or clears a stream's worktree path.
func (s *Store) SetStreamWorktree(ctx context.Context, id string, path *string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE streams SET worktree_path = ?, updated_at = ? WHERE id = ?
	`), path, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "stream", id)
}

// SetStreamBase moves a stream onto a new base branch after a cascade rebase.
func (s *Store) SetStreamBase(ctx context.Context, id, baseBranch string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE streams SET base_branch = ?, updated_at = ? WHERE id = ?
	`), baseBranch, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "stream", id)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStream(row rowScanner) (*v1.Stream, error) {
	stream := &v1.Stream{}
	var issueID, worktreePath sql.NullString
	var state string
	err := row.Scan(&stream.ID, &issueID, &stream.Branch, &stream.BaseBranch,
		&worktreePath, &state, &stream.CreatedAt, &stream.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if issueID.Valid {
		stream.IssueID = &issueID.String
	}
	if worktreePath.Valid {
		stream.WorktreePath = &worktreePath.String
	}
	stream.State = v1.StreamState(state)
	return stream, nil
}

// requireRow converts a zero-row update into a not-found error.
func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apierr.NotFound(entity, id)
	}
	return nil
}
