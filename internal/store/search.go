package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// DefaultMaxLogRequestSize is the max_log_request_size constant from spec
// §6 — the lower bound the fetch-limit heuristic never drops below.
const DefaultMaxLogRequestSize = 5000

// Attribute is one flattened key/value pair off a platform log entry. Value
// is itself JSON-encoded, as the platform represents it (spec §6).
type Attribute struct {
	Key   string
	Value string
}

// LogEntry is one row the platform's log-search endpoint returns.
type LogEntry struct {
	Attributes []Attribute
	Timestamp  time.Time
}

// GraphQLClient is the log-search transport C6 consumes (A3 in
// SPEC_FULL.md). Its one concern is running a filter/limit query and
// handing back raw entries; query translation and repair live here.
type GraphQLClient interface {
	Query(ctx context.Context, filter string, limit int) ([]LogEntry, error)
}

// ExcludeSpec negates a subset of the predicates a SearchSpec can express
// (spec §4.6: "exclude? (same shape, negated)").
type ExcludeSpec struct {
	Op         Op
	Attributes map[string]string
}

// SearchSpec is the query translation's input record (spec §4.6).
type SearchSpec struct {
	RID        string
	Op         Op
	Attributes map[string]string
	Filter     string
	Exclude    *ExcludeSpec
	Limit      int
}

// SearchResult is the search protocol's reduced output: one Record per rid,
// newest write group first, plus any non-fatal reassembly warnings.
type SearchResult struct {
	Records  []Record
	Warnings []string
}

// buildFilter translates a SearchSpec into the platform's
// `@key:"value" AND ... AND -@key:"value"` filter language.
func buildFilter(spec SearchSpec) string {
	var preds []string
	if spec.RID != "" {
		preds = append(preds, fmt.Sprintf(`@__id:%q`, spec.RID))
	}
	if spec.Op != "" {
		preds = append(preds, fmt.Sprintf(`@operation:%q`, spec.Op))
	}
	preds = append(preds, attrPredicates("@", spec.Attributes)...)
	if spec.Exclude != nil {
		if spec.Exclude.Op != "" {
			preds = append(preds, fmt.Sprintf(`-@operation:%q`, spec.Exclude.Op))
		}
		preds = append(preds, attrPredicates("-@", spec.Exclude.Attributes)...)
	}
	if spec.Filter != "" {
		preds = append(preds, spec.Filter)
	}

	out := ""
	for i, p := range preds {
		if i > 0 {
			out += " AND "
		}
		out += p
	}
	return out
}

func attrPredicates(prefix string, attrs map[string]string) []string {
	if len(attrs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	preds := make([]string, 0, len(keys))
	for _, k := range keys {
		preds = append(preds, fmt.Sprintf(`%s%s:%q`, prefix, k, attrs[k]))
	}
	return preds
}

// fetchLimit is the "maximize the chance of a complete chunk group in one
// round-trip" heuristic from spec §4.6.
func fetchLimit(requested, maxLogRequestSize int) int {
	if maxLogRequestSize <= 0 {
		maxLogRequestSize = DefaultMaxLogRequestSize
	}
	want := requested * 10
	if want < maxLogRequestSize {
		return maxLogRequestSize
	}
	return want
}

// groupKey identifies one write group: a (rid, op) pair. Two write groups
// for the same rid (e.g. a create and a later update) never share a key,
// so the completion pass below never merges fragments across them.
type groupKey struct {
	rid string
	op  Op
}

// Search runs spec against client, repairs any incompletely-fetched write
// groups, and reduces the surviving fragments to one Record per rid — the
// newest write group winning (spec §4.6). Values are returned exactly as
// stored: decryption is the record façade's (C7) job, since this layer has
// no access to the confidentiality key.
func Search(ctx context.Context, client GraphQLClient, spec SearchSpec, maxLogRequestSize int) (SearchResult, error) {
	filter := buildFilter(spec)
	limit := fetchLimit(spec.Limit, maxLogRequestSize)

	entries, err := client.Query(ctx, filter, limit)
	if err != nil {
		return SearchResult{}, fmt.Errorf("%w: %w", ErrSearchBackend, err)
	}

	groups := map[groupKey][]Fragment{}
	for _, e := range entries {
		f, ok := entryToFragment(e)
		if !ok {
			continue
		}
		if spec.Exclude != nil && spec.Exclude.Op != "" && f.Op == spec.Exclude.Op {
			continue
		}
		k := groupKey{rid: f.RID, op: f.Op}
		groups[k] = append(groups[k], f)
	}

	var warnings []string
	for k, frags := range groups {
		total := frags[0].Total
		if len(dedupByIdx(frags)) >= total {
			groups[k] = dedupByIdx(frags)
			continue
		}

		repairFilter := fmt.Sprintf(`@__id:%q AND @operation:%q`, k.rid, k.op)
		repaired, rerr := client.Query(ctx, repairFilter, 2*total)
		if rerr != nil {
			warnings = append(warnings, fmt.Sprintf("repair fetch failed for rid=%s op=%s: %v", k.rid, k.op, rerr))
			groups[k] = dedupByIdx(frags)
			continue
		}
		for _, e := range repaired {
			if f, ok := entryToFragment(e); ok && f.RID == k.rid && f.Op == k.op {
				frags = append(frags, f)
			}
		}
		groups[k] = dedupByIdx(frags)
	}

	byRID := map[string]Record{}
	existingSeq := map[string]uint64{}
	for k, frags := range groups {
		total := frags[0].Total
		incomplete := len(frags) < total

		var value any
		if total == 1 {
			value = frags[0].Data
		} else {
			v, w, rerr := Reassemble(frags)
			warnings = append(warnings, w...)
			if rerr != nil {
				warnings = append(warnings, fmt.Sprintf("reassembly failed for rid=%s op=%s: %v", k.rid, k.op, rerr))
				continue
			}
			value = v
		}
		if incomplete {
			warnings = append(warnings, fmt.Sprintf("%v: rid=%s op=%s has %d/%d fragments", ErrIncompleteFragmentSet, k.rid, k.op, len(frags), total))
		}

		newest, newestSeq := frags[0].Timestamp, frags[0].Seq
		for _, f := range frags[1:] {
			if newer(f.Timestamp, f.Seq, newest, newestSeq) {
				newest, newestSeq = f.Timestamp, f.Seq
			}
		}

		rec := Record{
			RID:        k.rid,
			Op:         k.op,
			Value:      value,
			Encrypted:  frags[0].Encrypted,
			Timestamp:  newest,
			Incomplete: incomplete,
		}
		existing, ok := byRID[k.rid]
		if !ok || newer(rec.Timestamp, newestSeq, existing.Timestamp, existingSeq[k.rid]) {
			byRID[k.rid] = rec
			existingSeq[k.rid] = newestSeq
		}
	}

	records := make([]Record, 0, len(byRID))
	for _, rec := range byRID {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return newer(records[i].Timestamp, existingSeq[records[i].RID], records[j].Timestamp, existingSeq[records[j].RID])
	})

	if spec.Limit > 0 && len(records) > spec.Limit {
		records = records[:spec.Limit]
	}
	return SearchResult{Records: records, Warnings: warnings}, nil
}

// DataFromID is dataFromId(rid) from spec §4.6: the latest non-read write
// group for rid. Excluding op=read keeps retrieval audit lines from
// shadowing the real state.
func DataFromID(ctx context.Context, client GraphQLClient, rid string, maxLogRequestSize int) (Record, error) {
	result, err := Search(ctx, client, SearchSpec{
		RID:     rid,
		Exclude: &ExcludeSpec{Op: OpRead},
		Limit:   1,
	}, maxLogRequestSize)
	if err != nil {
		return Record{}, err
	}
	if len(result.Records) == 0 {
		return Record{}, ErrNotFound
	}
	return result.Records[0], nil
}

// newer implements the (timestamp, seq) descending comparator from Design
// Note 3: the platform's per-line timestamp is coarse, so the per-process
// sequence number breaks ties within the same instant.
func newer(t1 time.Time, seq1 uint64, t2 time.Time, seq2 uint64) bool {
	if !t1.Equal(t2) {
		return t1.After(t2)
	}
	return seq1 > seq2
}

func dedupByIdx(frags []Fragment) []Fragment {
	seen := make(map[int]Fragment, len(frags))
	for _, f := range frags {
		seen[f.Idx] = f
	}
	out := make([]Fragment, 0, len(seen))
	for _, f := range seen {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Idx < out[j].Idx })
	return out
}

// entryToFragment flattens a platform log entry's attribute list back into
// a Fragment (spec §4.6: "flattened into a mapping, then promoted to a
// record-shaped object").
func entryToFragment(e LogEntry) (Fragment, bool) {
	fields := map[string]any{}
	for _, a := range e.Attributes {
		var v any
		if err := json.Unmarshal([]byte(a.Value), &v); err != nil {
			v = a.Value
		}
		fields[a.Key] = v
	}

	rid, _ := fields["__id"].(string)
	if rid == "" {
		return Fragment{}, false
	}
	f := Fragment{
		RID:       rid,
		CID:       asString(fields["chunkId"]),
		Idx:       asInt(fields["index"]),
		Total:     asInt(fields["total"]),
		Encrypted: asBool(fields["encrypted"]),
		Data:      fields["data"],
		Shape:     Shape(asString(fields["shape"])),
		Start:     asInt(fields["start"]),
		Seq:       uint64(asInt(fields["seq"])),
		Path:      decodePath(fields["path"]),
		Timestamp: e.Timestamp,
	}
	if op, ok := fields["operation"].(string); ok {
		f.Op = Op(op)
	}
	return f, true
}

func decodePath(raw any) Path {
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make(Path, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, PathSeg{
			Kind:  SegKind(asInt(m["Kind"])),
			Field: asString(m["Field"]),
			Index: asInt(m["Index"]),
		})
	}
	return out
}

func asInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case json.Number:
		n, _ := t.Int64()
		return int(n)
	default:
		return 0
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
