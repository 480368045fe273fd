package project

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio/v2"

	"github.com/sudocode-ai/sudocode/internal/merger"
)

// readRecords loads a record file. A missing file is an empty list.
func readRecords(path string) ([]merger.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	records, err := merger.ParseRecords(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return records, nil
}

// writeRecords atomically replaces a record file. Readers never observe a
// partially written file.
func writeRecords(path string, records []merger.Record) error {
	data, err := merger.EncodeRecords(records)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// toRecord converts a typed entity into a record via its JSON encoding.
func toRecord(v interface{}) (merger.Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var rec merger.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// fromRecord converts a record back into a typed entity.
func fromRecord(rec merger.Record, out interface{}) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
