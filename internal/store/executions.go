package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sudocode-ai/sudocode/internal/common/apierr"
	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
)

const executionColumns = `id, stream_id, issue_id, agent_kind, mode, prompt, parent_id, session_id,
	worktree_path, before_commit, after_commit, status, error_message, config,
	created_at, started_at, completed_at`

// CreateExecution inserts an execution with its config snapshot.
func (s *Store) CreateExecution(ctx context.Context, exec *v1.Execution, cfg *v1.ExecutionConfig) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	if exec.Status == "" {
		exec.Status = v1.ExecutionStatusPreparing
	}
	configJSON := "{}"
	if cfg != nil {
		data, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("serialize execution config: %w", err)
		}
		configJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO executions (id, stream_id, issue_id, agent_kind, mode, prompt, parent_id, session_id,
			worktree_path, before_commit, after_commit, status, error_message, config,
			created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), exec.ID, exec.StreamID, exec.IssueID, exec.AgentKind, string(exec.Mode), exec.Prompt,
		exec.ParentID, exec.SessionID, exec.WorktreePath, exec.BeforeCommit, exec.AfterCommit,
		string(exec.Status), exec.Error, configJSON, exec.CreatedAt, exec.StartedAt, exec.CompletedAt)
	return err
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*v1.Execution, error) {
	row := s.ro.QueryRowContext(ctx, s.rebind(`
		SELECT `+executionColumns+` FROM executions WHERE id = ?
	`), id)
	exec, _, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("execution", id)
	}
	return exec, err
}

// GetExecutionConfig retrieves the config snapshot stored with an execution.
func (s *Store) GetExecutionConfig(ctx context.Context, id string) (*v1.ExecutionConfig, error) {
	row := s.ro.QueryRowContext(ctx, s.rebind(`
		SELECT `+executionColumns+` FROM executions WHERE id = ?
	`), id)
	_, cfg, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("execution", id)
	}
	return cfg, err
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	StreamID string
	IssueID  string
	Status   v1.ExecutionStatus
}

// ListExecutions returns executions matching the filter, oldest first.
func (s *Store) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*v1.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	args := []interface{}{}
	if filter.StreamID != "" {
		query += ` AND stream_id = ?`
		args = append(args, filter.StreamID)
	}
	if filter.IssueID != "" {
		query += ` AND issue_id = ?`
		args = append(args, filter.IssueID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.ro.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.Execution
	for rows.Next() {
		exec, _, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

// ListActiveExecutions returns executions in a non-terminal status.
func (s *Store) ListActiveExecutions(ctx context.Context) ([]*v1.Execution, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE status IN ('preparing', 'pending', 'running', 'waiting', 'paused')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.Execution
	for rows.Next() {
		exec, _, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

// GetExecutionChain walks parent links from the given execution back to the
// chain root, returning root first.
func (s *Store) GetExecutionChain(ctx context.Context, id string) ([]*v1.Execution, error) {
	var chain []*v1.Execution
	seen := make(map[string]bool)
	current := id
	for current != "" && !seen[current] {
		seen[current] = true
		exec, err := s.GetExecution(ctx, current)
		if err != nil {
			return nil, err
		}
		chain = append([]*v1.Execution{exec}, chain...)
		if exec.ParentID == nil {
			break
		}
		current = *exec.ParentID
	}
	return chain, nil
}

// UpdateExecutionStatus transitions status and stamps the matching timestamp:
// started_at on the move to running, completed_at on any terminal status.
func (s *Store) UpdateExecutionStatus(ctx context.Context, id string, status v1.ExecutionStatus, errMsg *string) error {
	now := time.Now().UTC()
	query := `UPDATE executions SET status = ?, error_message = ?`
	args := []interface{}{string(status), errMsg}
	if status == v1.ExecutionStatusRunning {
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if status.IsTerminal() {
		query += `, completed_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}
	return requireRow(res, "execution", id)
}

// SetExecutionSession records the agent session id once the driver has one.
func (s *Store) SetExecutionSession(ctx context.Context, id, sessionID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE executions SET session_id = ? WHERE id = ?
	`), sessionID, id)
	if err != nil {
		return err
	}
	return requireRow(res, "execution", id)
}

// SetExecutionCommits records the commit range an execution produced.
func (s *Store) SetExecutionCommits(ctx context.Context, id, before string, after *string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE executions SET before_commit = ?, after_commit = ? WHERE id = ?
	`), before, after, id)
	if err != nil {
		return err
	}
	return requireRow(res, "execution", id)
}

// SetExecutionWorktree records the worktree path backing an execution.
func (s *Store) SetExecutionWorktree(ctx context.Context, id, path string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE executions SET worktree_path = ? WHERE id = ?
	`), path, id)
	if err != nil {
		return err
	}
	return requireRow(res, "execution", id)
}

func scanExecution(row rowScanner) (*v1.Execution, *v1.ExecutionConfig, error) {
	exec := &v1.Execution{}
	var issueID, parentID, sessionID, worktreePath, afterCommit, errMsg sql.NullString
	var mode, status, configJSON string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&exec.ID, &exec.StreamID, &issueID, &exec.AgentKind, &mode, &exec.Prompt,
		&parentID, &sessionID, &worktreePath, &exec.BeforeCommit, &afterCommit,
		&status, &errMsg, &configJSON, &exec.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, nil, err
	}
	exec.Mode = v1.ExecutionMode(mode)
	exec.Status = v1.ExecutionStatus(status)
	if issueID.Valid {
		exec.IssueID = &issueID.String
	}
	if parentID.Valid {
		exec.ParentID = &parentID.String
	}
	if sessionID.Valid {
		exec.SessionID = &sessionID.String
	}
	if worktreePath.Valid {
		exec.WorktreePath = &worktreePath.String
	}
	if afterCommit.Valid {
		exec.AfterCommit = &afterCommit.String
	}
	if errMsg.Valid {
		exec.Error = &errMsg.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		exec.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		exec.CompletedAt = &t
	}

	cfg := &v1.ExecutionConfig{}
	if configJSON != "" && configJSON != "{}" {
		if err := json.Unmarshal([]byte(configJSON), cfg); err != nil {
			return nil, nil, fmt.Errorf("deserialize execution config: %w", err)
		}
	}
	return exec, cfg, nil
}
