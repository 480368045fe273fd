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

const checkpointColumns = `id, issue_id, stream_id, execution_id, commit_sha, base_commit, message,
	review, reviewer, notes, landed, files_changed, additions, deletions,
	created_at, reviewed_at, landed_at`

// CreateCheckpoint inserts a checkpoint. It becomes the issue's current
// checkpoint by being the newest.
func (s *Store) CreateCheckpoint(ctx context.Context, cp *v1.Checkpoint) error {
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.Review == "" {
		cp.Review = v1.ReviewStatePending
	}
	var filesChanged, additions, deletions int
	if cp.Stats != nil {
		filesChanged = cp.Stats.FilesChanged
		additions = cp.Stats.Additions
		deletions = cp.Stats.Deletions
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO checkpoints (id, issue_id, stream_id, execution_id, commit_sha, base_commit, message,
			review, reviewer, notes, landed, files_changed, additions, deletions,
			created_at, reviewed_at, landed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), cp.ID, cp.IssueID, cp.StreamID, cp.ExecutionID, cp.Commit, cp.BaseCommit, cp.Message,
		string(cp.Review), cp.Reviewer, cp.Notes, boolToInt(cp.Landed),
		filesChanged, additions, deletions, cp.CreatedAt, cp.ReviewedAt, cp.LandedAt)
	return err
}

// GetCheckpoint retrieves a checkpoint by ID.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*v1.Checkpoint, error) {
	row := s.ro.QueryRowContext(ctx, s.rebind(`
		SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?
	`), id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("checkpoint", id)
	}
	return cp, err
}

// CurrentCheckpoint returns the newest checkpoint for an issue.
func (s *Store) CurrentCheckpoint(ctx context.Context, issueID string) (*v1.Checkpoint, error) {
	row := s.ro.QueryRowContext(ctx, s.rebind(`
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE issue_id = ? ORDER BY created_at DESC LIMIT 1
	`), issueID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("checkpoint for issue", issueID)
	}
	return cp, err
}

// ListCheckpoints returns an issue's checkpoints, newest first.
func (s *Store) ListCheckpoints(ctx context.Context, issueID string) ([]*v1.Checkpoint, error) {
	rows, err := s.ro.QueryContext(ctx, s.rebind(`
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE issue_id = ? ORDER BY created_at DESC
	`), issueID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	return result, rows.Err()
}

// SetCheckpointReview applies a review transition.
func (s *Store) SetCheckpointReview(ctx context.Context, id string, review v1.ReviewState, reviewer, notes *string) error {
	var reviewedAt *time.Time
	if review != v1.ReviewStatePending {
		now := time.Now().UTC()
		reviewedAt = &now
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE checkpoints SET review = ?, reviewer = ?, notes = ?, reviewed_at = ? WHERE id = ?
	`), string(review), reviewer, notes, reviewedAt, id)
	if err != nil {
		return err
	}
	return requireRow(res, "checkpoint", id)
}

// MarkCheckpointLanded records a successful promotion.
func (s *Store) MarkCheckpointLanded(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE checkpoints SET landed = 1, landed_at = ? WHERE id = ?
	`), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "checkpoint", id)
}

func scanCheckpoint(row rowScanner) (*v1.Checkpoint, error) {
	cp := &v1.Checkpoint{}
	var review string
	var reviewer, notes sql.NullString
	var landed, filesChanged, additions, deletions int
	var reviewedAt, landedAt sql.NullTime

	err := row.Scan(&cp.ID, &cp.IssueID, &cp.StreamID, &cp.ExecutionID, &cp.Commit, &cp.BaseCommit,
		&cp.Message, &review, &reviewer, &notes, &landed,
		&filesChanged, &additions, &deletions, &cp.CreatedAt, &reviewedAt, &landedAt)
	if err != nil {
		return nil, err
	}
	cp.Review = v1.ReviewState(review)
	cp.Landed = landed != 0
	if reviewer.Valid {
		cp.Reviewer = &reviewer.String
	}
	if notes.Valid {
		cp.Notes = &notes.String
	}
	if filesChanged != 0 || additions != 0 || deletions != 0 {
		cp.Stats = &v1.DiffStats{FilesChanged: filesChanged, Additions: additions, Deletions: deletions}
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		cp.ReviewedAt = &t
	}
	if landedAt.Valid {
		t := landedAt.Time
		cp.LandedAt = &t
	}
	return cp, nil
}
