package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
)

// AppendSessionRecord persists one unit of agent output for replay.
func (s *Store) AppendSessionRecord(ctx context.Context, executionID string, record *v1.SessionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("serialize session record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO session_records (execution_id, record, created_at) VALUES (?, ?, ?)
	`), executionID, string(data), time.Now().UTC())
	return err
}

// ListSessionRecords returns an execution's transcript after the given
// sequence number (0 for the full transcript), oldest first, along with the
// last sequence number seen.
func (s *Store) ListSessionRecords(ctx context.Context, executionID string, afterSeq int64) ([]*v1.SessionRecord, int64, error) {
	rows, err := s.ro.QueryContext(ctx, s.rebind(`
		SELECT seq, record FROM session_records
		WHERE execution_id = ? AND seq > ?
		ORDER BY seq ASC
	`), executionID, afterSeq)
	if err != nil {
		return nil, afterSeq, err
	}
	defer func() { _ = rows.Close() }()

	var result []*v1.SessionRecord
	lastSeq := afterSeq
	for rows.Next() {
		var seq int64
		var data string
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, lastSeq, err
		}
		record := &v1.SessionRecord{}
		if err := json.Unmarshal([]byte(data), record); err != nil {
			return nil, lastSeq, fmt.Errorf("deserialize session record: %w", err)
		}
		result = append(result, record)
		lastSeq = seq
	}
	return result, lastSeq, rows.Err()
}

// DeleteSessionRecords drops an execution's transcript.
func (s *Store) DeleteSessionRecords(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM session_records WHERE execution_id = ?
	`), executionID)
	return err
}
