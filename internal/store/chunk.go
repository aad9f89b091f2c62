package store

import (
	"fmt"
	"sort"
)

// DefaultMaxChunkLength is L in spec §4.2 when no override is configured.
const DefaultMaxChunkLength = 60000

// DefaultMaxFragmentCount bounds the number of fragments a single chunk call
// may produce, addressing the "unbounded fan-out" open question (see
// SPEC_FULL.md §9 and DESIGN.md).
const DefaultMaxFragmentCount = 20000

// Chunk splits value into fragments of virtual length at most maxLen,
// assigning Path/Shape/Start explicitly during descent (Design Note 2) and
// Idx/Total once the full, order-preserving fragment list is known.
// maxFragCount caps the number of fragments a single call may produce
// (SPEC_FULL.md §9, the "unbounded fan-out" resolution); 0 selects
// DefaultMaxFragmentCount.
//
// The recursion itself is the tagged union from Design Note 1: each case
// (string/array/map/other-scalar) is handled by a distinct, typed branch —
// there is no in-band sentinel marking a "nested" chunk.
func Chunk(value any, maxLen, maxFragCount int) ([]Fragment, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxChunkLength
	}
	if maxFragCount <= 0 {
		maxFragCount = DefaultMaxFragmentCount
	}
	frags := chunkValue(value, nil, maxLen)
	if len(frags) > maxFragCount {
		return nil, ErrFragmentCountExceeded
	}
	total := len(frags)
	for i := range frags {
		frags[i].Idx = i
		frags[i].Total = total
		frags[i].CID = frags[i].Path.String()
	}
	return frags, nil
}

func chunkValue(v any, path Path, maxLen int) []Fragment {
	switch val := v.(type) {
	case string:
		return chunkString(val, path, maxLen, ShapeScalar)
	case []any:
		return chunkArray(val, path, maxLen)
	case map[string]any:
		return chunkMap(val, path, maxLen)
	default:
		if VirtualLength(v) <= maxLen {
			return []Fragment{{Path: clonePath(path), Shape: ShapeScalar, Data: v}}
		}
		// Case 4: oversized "other scalar" downgrades to its string form.
		return chunkString(scalarString(val), path, maxLen, ShapeScalar)
	}
}

// chunkString splits s into ceil(len(s)/L) rune-respecting pieces.
func chunkString(s string, path Path, maxLen int, shape Shape) []Fragment {
	r := []rune(s)
	if maxLen <= 0 {
		maxLen = 1
	}
	if len(r) == 0 {
		return []Fragment{{Path: clonePath(path), Shape: shape, Data: ""}}
	}
	var out []Fragment
	for start := 0; start < len(r); start += maxLen {
		end := start + maxLen
		if end > len(r) {
			end = len(r)
		}
		out = append(out, Fragment{Path: clonePath(path), Shape: shape, Data: string(r[start:end])})
	}
	return out
}

// chunkArray greedily packs elements into size-bounded buckets (spec
// §4.2 case 2), recursing into a nested sub-chunking for any single
// element whose own virtual length exceeds maxLen.
func chunkArray(arr []any, path Path, maxLen int) []Fragment {
	var out []Fragment
	var bucket []any
	bucketStart := 0
	bucketLen := 0
	emittedOwn := false

	flush := func() {
		if len(bucket) > 0 {
			out = append(out, Fragment{
				Path:  clonePath(path),
				Shape: ShapeArray,
				Data:  append([]any{}, bucket...),
				Start: bucketStart,
			})
			emittedOwn = true
			bucket = nil
			bucketLen = 0
		}
	}

	for i, el := range arr {
		elLen := VirtualLength(el)
		if elLen > maxLen {
			flush()
			sub := chunkValue(el, append(clonePath(path), PathSeg{Kind: SegIndex, Index: i}), maxLen)
			out = append(out, sub...)
			bucketStart = i + 1
			continue
		}
		if len(bucket) == 0 {
			bucketStart = i
		} else if bucketLen+elLen > maxLen {
			flush()
			bucketStart = i
		}
		bucket = append(bucket, el)
		bucketLen += elLen
	}
	flush()

	// Every level of the structure needs at least one fragment carrying
	// its own Path so the parent container can discover it as a distinct
	// shape (resolveArray/resolveMap walk immediate children by Path
	// length, not by scanning descendants) — even when every one of this
	// array's elements recursed into a deeper sub-chunking and left no
	// bucket fragment behind at this level.
	if !emittedOwn {
		out = append(out, Fragment{Path: clonePath(path), Shape: ShapeArray, Data: []any{}, Start: 0})
	}
	return out
}

// chunkMap greedily packs entries into size-bounded buckets (spec §4.2 case
// 3), keyed deterministically (sorted keys) so emission order is
// reproducible, and recurses into a nested sub-chunking for any single
// entry whose (key length + value length) exceeds maxLen.
func chunkMap(m map[string]any, path Path, maxLen int) []Fragment {
	keys := sortedKeys(m)

	var out []Fragment
	bucket := map[string]any{}
	bucketLen := 0
	emittedOwn := false

	flush := func() {
		if len(bucket) > 0 {
			out = append(out, Fragment{Path: clonePath(path), Shape: ShapeMap, Data: cloneMap(bucket)})
			emittedOwn = true
			bucket = map[string]any{}
			bucketLen = 0
		}
	}

	for _, k := range keys {
		val := m[k]
		weight := runeLen(k) + VirtualLength(val)
		if weight > maxLen {
			flush()
			sub := chunkValue(val, append(clonePath(path), PathSeg{Kind: SegField, Field: k}), maxLen)
			out = append(out, sub...)
			continue
		}
		if bucketLen > 0 && bucketLen+weight > maxLen {
			flush()
		}
		bucket[k] = val
		bucketLen += weight
	}
	flush()

	// See the matching comment in chunkArray: a map entirely composed of
	// oversized entries still needs one fragment at its own Path so the
	// parent container can discover its shape.
	if !emittedOwn {
		out = append(out, Fragment{Path: clonePath(path), Shape: ShapeMap, Data: map[string]any{}})
	}
	return out
}

func clonePath(p Path) Path {
	out := make(Path, len(p))
	copy(out, p)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func scalarString(v any) string {
	switch t := v.(type) {
	case bool:
		if t {
			return "true"
		}
		return "false"
	case nil:
		return "null"
	default:
		return fmt.Sprint(v)
	}
}
