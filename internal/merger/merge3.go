package merger

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// MergeOptions controls three-way merging.
type MergeOptions struct {
	// ContentFields get line-level three-way text merging instead of
	// scalar latest-wins. Defaults to content and description.
	ContentFields []string
	// TupleFields identify records that carry no uuid, such as
	// relationships.
	TupleFields []string
}

// MergeConflict is a resolved conflict worth reporting.
type MergeConflict struct {
	Key        string `json:"key"`
	ID         string `json:"id,omitempty"`
	Field      string `json:"field,omitempty"`
	Kind       string `json:"kind"`       // delete_modify, text, id_collision
	Resolution string `json:"resolution"` // modified_kept, latest_wins, both_kept
}

// MergeResult reports a three-way merge.
type MergeResult struct {
	Records   []Record
	Conflicts []MergeConflict
	Renames   []Rename
}

// HasConflicts reports whether any conflict was resolved by policy.
func (r *MergeResult) HasConflicts() bool {
	return len(r.Conflicts) > 0
}

var defaultContentFields = []string{"content", "description"}

// Merge performs a three-way merge of record lists sharing a common base.
// Every record is classified independently by identity key; conflicting
// records merge field by field with latest-wins scalars, array unions and
// line-level text merging. The merge always produces a result; conflicts
// are resolved by policy and reported.
func Merge(base, ours, theirs []Record, opts MergeOptions) (*MergeResult, error) {
	if opts.ContentFields == nil {
		opts.ContentFields = defaultContentFields
	}

	keyOf := func(rec Record) string {
		if uuid := rec.UUID(); uuid != "" {
			return uuid
		}
		if len(opts.TupleFields) > 0 {
			return rec.tupleKey(opts.TupleFields)
		}
		return rec.StableID()
	}

	index := func(records []Record) (map[string]Record, []string) {
		byKey := make(map[string]Record, len(records))
		var order []string
		for _, rec := range records {
			k := keyOf(rec)
			if _, ok := byKey[k]; !ok {
				order = append(order, k)
			}
			byKey[k] = rec
		}
		return byKey, order
	}

	baseBy, baseOrder := index(base)
	oursBy, oursOrder := index(ours)
	theirsBy, theirsOrder := index(theirs)

	// Walk keys in base order, then ours additions, then theirs additions.
	var keys []string
	seen := make(map[string]bool)
	for _, order := range [][]string{baseOrder, oursOrder, theirsOrder} {
		for _, k := range order {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}

	result := &MergeResult{}
	for _, key := range keys {
		b, inBase := baseBy[key]
		o, inOurs := oursBy[key]
		t, inTheirs := theirsBy[key]

		switch {
		case inBase && inOurs && inTheirs:
			oursChanged := !recordsEqual(b, o)
			theirsChanged := !recordsEqual(b, t)
			switch {
			case !oursChanged && !theirsChanged:
				result.Records = append(result.Records, o)
			case oursChanged && !theirsChanged:
				result.Records = append(result.Records, o)
			case !oursChanged && theirsChanged:
				result.Records = append(result.Records, t)
			default:
				merged := mergeRecords(b, o, t, opts, result, key)
				result.Records = append(result.Records, merged)
			}
		case inBase && inOurs && !inTheirs:
			if !recordsEqual(b, o) {
				// Modification beats deletion.
				result.Records = append(result.Records, o)
				result.Conflicts = append(result.Conflicts, MergeConflict{
					Key: key, ID: o.StableID(), Kind: "delete_modify", Resolution: "modified_kept",
				})
			}
		case inBase && !inOurs && inTheirs:
			if !recordsEqual(b, t) {
				result.Records = append(result.Records, t)
				result.Conflicts = append(result.Conflicts, MergeConflict{
					Key: key, ID: t.StableID(), Kind: "delete_modify", Resolution: "modified_kept",
				})
			}
		case !inBase && inOurs && inTheirs:
			if recordsEqual(o, t) {
				result.Records = append(result.Records, o)
			} else {
				merged := mergeRecords(nil, o, t, opts, result, key)
				result.Records = append(result.Records, merged)
			}
		case !inBase && inOurs:
			result.Records = append(result.Records, o)
		case !inBase && inTheirs:
			result.Records = append(result.Records, t)
		}
	}

	resolveStableIDDuplicates(result, keyOf)
	SortByCreatedAt(result.Records)
	return result, nil
}

// MergeFiles three-way merges raw line-delimited record files.
func MergeFiles(base, ours, theirs []byte, opts MergeOptions) ([]byte, *MergeResult, error) {
	baseRecs, err := ParseRecords(base)
	if err != nil {
		return nil, nil, fmt.Errorf("parse base: %w", err)
	}
	ourRecs, err := ParseRecords(ours)
	if err != nil {
		return nil, nil, fmt.Errorf("parse ours: %w", err)
	}
	theirRecs, err := ParseRecords(theirs)
	if err != nil {
		return nil, nil, fmt.Errorf("parse theirs: %w", err)
	}
	result, err := Merge(baseRecs, ourRecs, theirRecs, opts)
	if err != nil {
		return nil, nil, err
	}
	data, err := EncodeRecords(result.Records)
	if err != nil {
		return nil, nil, err
	}
	return data, result, nil
}

// mergeRecords merges two modified versions of one record field by field.
// base may be nil when both sides added the record independently.
func mergeRecords(base, ours, theirs Record, opts MergeOptions, result *MergeResult, key string) Record {
	theirsNewer := theirs.UpdatedAt().After(ours.UpdatedAt())

	fields := make(map[string]bool)
	for k := range base {
		fields[k] = true
	}
	for k := range ours {
		fields[k] = true
	}
	for k := range theirs {
		fields[k] = true
	}

	out := make(Record, len(fields))
	for f := range fields {
		bv, inBase := base[f]
		ov, inOurs := ours[f]
		tv, inTheirs := theirs[f]

		switch {
		case inOurs && inTheirs:
			if recordsEqualValue(ov, tv) {
				out[f] = ov
				continue
			}
			if oa, ok := ov.([]interface{}); ok {
				if ta, ok2 := tv.([]interface{}); ok2 {
					if theirsNewer {
						out[f] = unionArrays(oa, ta)
					} else {
						out[f] = unionArrays(ta, oa)
					}
					continue
				}
			}
			if isContentField(f, opts.ContentFields) {
				bs, _ := bv.(string)
				ourText, okO := ov.(string)
				theirText, okT := tv.(string)
				if okO && okT && bs != "" {
					olderText, newerText := ourText, theirText
					if !theirsNewer {
						olderText, newerText = theirText, ourText
					}
					merged, failed := textMerge3(bs, olderText, newerText)
					out[f] = merged
					if failed > 0 {
						result.Conflicts = append(result.Conflicts, MergeConflict{
							Key: key, ID: ours.StableID(), Field: f, Kind: "text", Resolution: "latest_wins",
						})
					}
					continue
				}
			}
			if theirsNewer {
				out[f] = tv
			} else {
				out[f] = ov
			}
		case inOurs:
			// Field absent on theirs: deletion wins only when ours kept
			// it untouched.
			if inBase && recordsEqualValue(bv, ov) {
				continue
			}
			out[f] = ov
		case inTheirs:
			if inBase && recordsEqualValue(bv, tv) {
				continue
			}
			out[f] = tv
		}
	}
	return out
}

func isContentField(name string, contentFields []string) bool {
	for _, f := range contentFields {
		if f == name {
			return true
		}
	}
	return false
}

func recordsEqualValue(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}

// unionArrays merges two array fields keyed per element: older's order is
// preserved, newer elements replace same-key entries and append otherwise.
func unionArrays(older, newer []interface{}) []interface{} {
	out := make([]interface{}, 0, len(older)+len(newer))
	byKey := make(map[string]int)
	for _, el := range older {
		k := elementKey(el)
		if _, ok := byKey[k]; ok {
			continue
		}
		byKey[k] = len(out)
		out = append(out, el)
	}
	for _, el := range newer {
		k := elementKey(el)
		if i, ok := byKey[k]; ok {
			out[i] = el
			continue
		}
		byKey[k] = len(out)
		out = append(out, el)
	}
	return out
}

// elementKey derives a dedup key for an array element: uuid or id when
// present, the relationship tuple for relationship-shaped objects, the
// canonical JSON encoding otherwise.
func elementKey(el interface{}) string {
	if m, ok := el.(map[string]interface{}); ok {
		rec := Record(m)
		if uuid := rec.UUID(); uuid != "" {
			return "uuid:" + uuid
		}
		if id := rec.StableID(); id != "" {
			return "id:" + id
		}
		if rec.str("from_id") != "" && rec.str("to_id") != "" {
			return "rel:" + rec.tupleKey([]string{"from_id", "from_type", "to_id", "to_type", "type"})
		}
	}
	data, err := json.Marshal(el)
	if err != nil {
		return fmt.Sprintf("%v", el)
	}
	return "json:" + string(data)
}

// textMerge3 merges textual content line by line: the older side's changes
// against base are replayed onto the newer side's text. Hunks that no
// longer apply keep the newer text, so the latest edit wins only where the
// sides truly collide. Returns the merged text and the failed hunk count.
func textMerge3(base, older, newer string) (string, int) {
	dmp := diffmatchpatch.New()
	oldChars, newChars, lines := dmp.DiffLinesToChars(base, older)
	diffs := dmp.DiffMain(oldChars, newChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)
	patches := dmp.PatchMake(base, diffs)
	merged, applied := dmp.PatchApply(patches, newer)
	failed := 0
	for _, ok := range applied {
		if !ok {
			failed++
		}
	}
	return merged, failed
}

// resolveStableIDDuplicates renames records that ended up sharing a stable
// id: the oldest keeps the plain id, later ones get dotted suffixes.
func resolveStableIDDuplicates(result *MergeResult, keyOf func(Record) string) {
	byID := make(map[string][]int)
	used := make(map[string]bool)
	for i, rec := range result.Records {
		id := rec.StableID()
		if id == "" {
			continue
		}
		byID[id] = append(byID[id], i)
		used[id] = true
	}

	for id, idxs := range byID {
		if len(idxs) < 2 {
			continue
		}
		// Distinct entities only; identical keys were merged upstream.
		ordered := append([]int(nil), idxs...)
		sortIndicesByAge(result.Records, ordered)
		suffix := 0
		for _, idx := range ordered[1:] {
			rec := result.Records[idx].Clone()
			suffix++
			fresh := fmt.Sprintf("%s.%d", id, suffix)
			for used[fresh] {
				suffix++
				fresh = fmt.Sprintf("%s.%d", id, suffix)
			}
			used[fresh] = true
			rec["id"] = fresh
			result.Records[idx] = rec
			result.Renames = append(result.Renames, Rename{UUID: rec.UUID(), OldID: id, NewID: fresh})
			result.Conflicts = append(result.Conflicts, MergeConflict{
				Key: keyOf(rec), ID: fresh, Kind: "id_collision", Resolution: "both_kept",
			})
		}
	}
}

// sortIndicesByAge orders record indices by created_at ascending with uuid
// tie-break, so renaming is deterministic.
func sortIndicesByAge(records []Record, idxs []int) {
	for i := 1; i < len(idxs); i++ {
		for j := i; j > 0; j-- {
			a, b := records[idxs[j-1]], records[idxs[j]]
			ca, cb := a.CreatedAt(), b.CreatedAt()
			if ca.Before(cb) || (ca.Equal(cb) && a.UUID() <= b.UUID()) {
				break
			}
			idxs[j-1], idxs[j] = idxs[j], idxs[j-1]
		}
	}
}
