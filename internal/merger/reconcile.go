package merger

import (
	"fmt"
	"regexp"
)

// ReconcileOptions controls two-way reconciliation.
type ReconcileOptions struct {
	// IDPrefix enables stable-id collision handling for ids such as
	// "issue-" or "spec-". Empty disables it.
	IDPrefix string
	// ResolveCollisions renumbers colliding incoming records instead of
	// skipping them.
	ResolveCollisions bool
}

// Rename records a stable-id reassignment.
type Rename struct {
	UUID  string `json:"uuid"`
	OldID string `json:"old_id"`
	NewID string `json:"new_id"`
}

// Collision is a stable id claimed by two different entities.
type Collision struct {
	ID           string `json:"id"`
	ExistingUUID string `json:"existing_uuid"`
	IncomingUUID string `json:"incoming_uuid"`
	Resolved     bool   `json:"resolved"`
	NewID        string `json:"new_id,omitempty"`
}

// ReconcileResult reports a two-way reconciliation.
type ReconcileResult struct {
	Records []Record

	Added     int
	Updated   int
	Unchanged int
	Skipped   int
	// Deleted lists UUIDs absent from the incoming set. The records are
	// retained locally; the classification is reported for callers that
	// diff snapshots.
	Deleted []string

	Renames    []Rename
	Collisions []Collision
	// ImportedUUIDs marks result records taken from the incoming side.
	ImportedUUIDs map[string]bool
	Warnings      []string
}

// Reconcile merges incoming UUID-keyed records into existing ones. Records
// present on both sides are updated when their updated_at differs. A stable
// id claimed by two different UUIDs is a collision: local identities are
// never rewritten, so the incoming record is either renumbered to a fresh id
// or skipped depending on ResolveCollisions.
func Reconcile(existing, incoming []Record, opts ReconcileOptions) (*ReconcileResult, error) {
	result := &ReconcileResult{ImportedUUIDs: make(map[string]bool)}

	existingByUUID := make(map[string]Record, len(existing))
	idToUUID := make(map[string]string)
	usedIDs := make(map[string]bool)
	for _, rec := range existing {
		uuid := rec.UUID()
		if uuid == "" {
			result.Warnings = append(result.Warnings, fmt.Sprintf("existing record with id %q has no uuid, left as is", rec.StableID()))
			continue
		}
		existingByUUID[uuid] = rec
		if id := rec.StableID(); id != "" {
			idToUUID[id] = uuid
			usedIDs[id] = true
		}
	}
	for _, rec := range incoming {
		if id := rec.StableID(); id != "" {
			usedIDs[id] = true
		}
	}

	incomingByUUID := make(map[string]Record, len(incoming))

	// Existing records carry over in their original order.
	for _, rec := range existing {
		result.Records = append(result.Records, rec)
	}

	for _, rec := range incoming {
		uuid := rec.UUID()
		if uuid == "" {
			result.Warnings = append(result.Warnings, fmt.Sprintf("incoming record with id %q has no uuid, skipped", rec.StableID()))
			result.Skipped++
			continue
		}
		if _, dup := incomingByUUID[uuid]; dup {
			result.Warnings = append(result.Warnings, fmt.Sprintf("incoming set repeats uuid %s, later record skipped", uuid))
			result.Skipped++
			continue
		}
		incomingByUUID[uuid] = rec

		if current, ok := existingByUUID[uuid]; ok {
			// Same entity on both sides: updated_at decides staleness.
			if current.UpdatedAt().Equal(rec.UpdatedAt()) {
				result.Unchanged++
				continue
			}
			replaceByUUID(result.Records, uuid, rec)
			result.Updated++
			result.ImportedUUIDs[uuid] = true
			continue
		}

		// New entity; check its display id against local holders.
		if id := rec.StableID(); id != "" && opts.IDPrefix != "" {
			if holder, taken := idToUUID[id]; taken && holder != uuid {
				collision := Collision{ID: id, ExistingUUID: holder, IncomingUUID: uuid}
				if !opts.ResolveCollisions {
					result.Collisions = append(result.Collisions, collision)
					result.Skipped++
					continue
				}
				fresh := nextStableID(opts.IDPrefix, usedIDs)
				usedIDs[fresh] = true
				rec = rec.Clone()
				rec["id"] = fresh
				collision.Resolved = true
				collision.NewID = fresh
				result.Collisions = append(result.Collisions, collision)
				result.Renames = append(result.Renames, Rename{UUID: uuid, OldID: id, NewID: fresh})
			} else {
				idToUUID[id] = uuid
			}
		}

		result.Records = append(result.Records, rec)
		result.Added++
		result.ImportedUUIDs[uuid] = true
	}

	for uuid := range existingByUUID {
		if _, ok := incomingByUUID[uuid]; !ok {
			result.Deleted = append(result.Deleted, uuid)
		}
	}

	SortByCreatedAt(result.Records)
	return result, nil
}

func replaceByUUID(records []Record, uuid string, rec Record) {
	for i, r := range records {
		if r.UUID() == uuid {
			records[i] = rec
			return
		}
	}
}

// ReconcileTuples merges records identified by a field tuple rather than a
// UUID, such as relationships. Incoming tuples referencing ids unknown to
// validRef are skipped with a warning and never fail the import.
func ReconcileTuples(existing, incoming []Record, tupleFields []string, refFields []string, validRef func(string) bool) *ReconcileResult {
	result := &ReconcileResult{ImportedUUIDs: make(map[string]bool)}

	seen := make(map[string]bool, len(existing))
	for _, rec := range existing {
		seen[rec.tupleKey(tupleFields)] = true
		result.Records = append(result.Records, rec)
	}

	for _, rec := range incoming {
		key := rec.tupleKey(tupleFields)
		if seen[key] {
			result.Unchanged++
			continue
		}
		if validRef != nil {
			missing := ""
			for _, f := range refFields {
				if id := rec.str(f); id != "" && !validRef(id) {
					missing = id
					break
				}
			}
			if missing != "" {
				result.Warnings = append(result.Warnings, fmt.Sprintf("relationship references unknown id %s, skipped", missing))
				result.Skipped++
				continue
			}
		}
		seen[key] = true
		result.Records = append(result.Records, rec)
		result.Added++
	}

	SortByCreatedAt(result.Records)
	return result
}

// NormalizeLegacyKeys rewrites old field names in place, such as feedback
// keyed by issue_id and spec_id instead of from_id and to_id.
func NormalizeLegacyKeys(records []Record, keyMap map[string]string) {
	for _, rec := range records {
		for old, current := range keyMap {
			v, ok := rec[old]
			if !ok {
				continue
			}
			if _, taken := rec[current]; !taken {
				rec[current] = v
			}
			delete(rec, old)
		}
	}
}

// ApplyRenames rewrites renamed stable ids in the given records: key fields
// are replaced on exact match, content fields by whole-id text substitution.
// Returns the number of rewritten fields.
func ApplyRenames(records []Record, renames map[string]string, keyFields, contentFields []string) int {
	if len(renames) == 0 {
		return 0
	}
	patterns := make(map[string]*regexp.Regexp, len(renames))
	for old := range renames {
		patterns[old] = regexp.MustCompile(`\b` + regexp.QuoteMeta(old) + `\b`)
	}

	rewritten := 0
	for _, rec := range records {
		for _, f := range keyFields {
			if v := rec.str(f); v != "" {
				if fresh, ok := renames[v]; ok {
					rec[f] = fresh
					rewritten++
				}
			}
		}
		for _, f := range contentFields {
			v := rec.str(f)
			if v == "" {
				continue
			}
			out := v
			for old, fresh := range renames {
				out = patterns[old].ReplaceAllString(out, fresh)
			}
			if out != v {
				rec[f] = out
				rewritten++
			}
		}
	}
	return rewritten
}
