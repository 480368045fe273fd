// Package merger performs two-way reconciliation and three-way merges on
// the project's line-delimited record files. Records are JSON objects keyed
// by UUID; a shorter stable id serves as the display key. The merger never
// fails a merge it can resolve by policy; everything it changes is reported.
package merger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Record is one parsed line of a record file.
type Record map[string]interface{}

// UUID returns the record's identity key, empty if absent.
func (r Record) UUID() string {
	return r.str("uuid")
}

// StableID returns the record's display id, empty if absent.
func (r Record) StableID() string {
	return r.str("id")
}

// CreatedAt returns the creation timestamp, zero if absent or unparseable.
func (r Record) CreatedAt() time.Time {
	return r.timeField("created_at")
}

// UpdatedAt returns the update timestamp, zero if absent or unparseable.
func (r Record) UpdatedAt() time.Time {
	return r.timeField("updated_at")
}

// Clone returns a copy sharing no top-level state with the original.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func (r Record) str(key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

func (r Record) timeField(key string) time.Time {
	s := r.str(key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// tupleKey joins the named fields into an identity for records without a
// UUID, such as relationships.
func (r Record) tupleKey(fields []string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = r.str(f)
	}
	return strings.Join(parts, "\x1f")
}

// ParseRecords parses line-delimited JSON records. Blank lines are skipped.
func ParseRecords(data []byte) ([]Record, error) {
	var records []Record
	for i, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("parse record line %d: %w", i+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// EncodeRecords serializes records as line-delimited JSON, one per line.
func EncodeRecords(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode record %s: %w", rec.UUID(), err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// SortByCreatedAt orders records by creation time ascending for output
// stability, breaking ties by stable id then UUID.
func SortByCreatedAt(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		ci, cj := records[i].CreatedAt(), records[j].CreatedAt()
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		if records[i].StableID() != records[j].StableID() {
			return records[i].StableID() < records[j].StableID()
		}
		return records[i].UUID() < records[j].UUID()
	})
}

// recordsEqual compares two records structurally.
func recordsEqual(a, b Record) bool {
	return reflect.DeepEqual(a, b)
}

// parseIDNumber extracts the numeric part of a stable id such as
// "issue-042" or "issue-042.1", returning false for foreign prefixes.
func parseIDNumber(id, prefix string) (int, bool) {
	if !strings.HasPrefix(id, prefix) {
		return 0, false
	}
	rest := strings.TrimPrefix(id, prefix)
	if dot := strings.IndexByte(rest, '.'); dot >= 0 {
		rest = rest[:dot]
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// nextStableID allocates the next free display id for a prefix given every
// id currently in use on either side.
func nextStableID(prefix string, used map[string]bool) string {
	max := 0
	for id := range used {
		if n, ok := parseIDNumber(id, prefix); ok && n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s%03d", prefix, max+1)
}
