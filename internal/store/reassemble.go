package store

import (
	"sort"
	"strconv"
)

// Reassemble rebuilds the original value from the leaf-level fragments of
// one (rid, op) write group (spec §4.3). Grouping is by the fragment's
// explicit Path attribute, never by regex-parsing CID (Design Note 2).
//
// warnings carries non-fatal diagnostics from the ambiguity policy (a
// fragment whose Path is incompatible with the shape already materialized
// there is dropped, not fatal) — callers surface these through the
// structured logger, never by failing the read.
func Reassemble(frags []Fragment) (value any, warnings []string, err error) {
	if len(frags) == 0 {
		return nil, nil, ErrEmptyFragmentSet
	}
	if frags[0].Total == 1 {
		return frags[0].Data, nil, nil
	}
	if seqErr := checkIndices(frags); seqErr != nil {
		return nil, nil, seqErr
	}

	groups := map[string][]Fragment{}
	paths := map[string]Path{}
	for _, f := range frags {
		k := f.Path.key()
		groups[k] = append(groups[k], f)
		paths[k] = f.Path
	}

	r := &resolver{groups: groups, paths: paths}
	v := r.resolve(nil)
	return v, r.warnings, nil
}

// checkIndices enforces spec invariant 3 for the indices actually present:
// no duplicates and none out of the declared [0,total) range. Missing
// indices (an incomplete fetch) are NOT an error here — that is the search
// protocol's IncompleteFragmentSet concern, handled after its repair pass.
func checkIndices(frags []Fragment) error {
	total := frags[0].Total
	seen := make(map[int]bool, len(frags))
	for _, f := range frags {
		if f.Total != total {
			return ErrFragmentSequence
		}
		if f.Idx < 0 || f.Idx >= total {
			return ErrFragmentSequence
		}
		if seen[f.Idx] {
			return ErrFragmentSequence
		}
		seen[f.Idx] = true
	}
	return nil
}

type resolver struct {
	groups   map[string][]Fragment
	paths    map[string]Path
	warnings []string
}

// resolve reconstructs the value that originally lived at path, recursing
// into child paths (one extra Field or Index segment) as needed.
func (r *resolver) resolve(path Path) any {
	key := path.key()
	group, ok := r.groups[key]
	if !ok {
		return nil
	}

	shape := group[0].Shape
	for _, f := range group[1:] {
		if f.Shape != shape {
			r.warn("dropped fragment with mismatched shape at path " + path.String())
		}
	}

	switch shape {
	case ShapeArray:
		return r.resolveArray(path, group)
	case ShapeMap:
		return r.resolveMap(path, group)
	case ShapeOffload:
		return group[0].Data
	default:
		return r.resolveScalar(group)
	}
}

func (r *resolver) resolveScalar(group []Fragment) any {
	if len(group) == 1 {
		return group[0].Data
	}
	sorted := append([]Fragment{}, group...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Idx < sorted[j].Idx })
	out := ""
	for _, f := range sorted {
		s, ok := f.Data.(string)
		if !ok {
			r.warn("dropped non-string piece of a split scalar")
			continue
		}
		out += s
	}
	return out
}

func (r *resolver) resolveArray(path Path, group []Fragment) []any {
	result := make([]any, 0)
	grow := func(n int) {
		for len(result) < n {
			result = append(result, nil)
		}
	}

	for _, f := range group {
		bucket, ok := f.Data.([]any)
		if !ok {
			r.warn("dropped array fragment with non-array data at path " + path.String())
			continue
		}
		grow(f.Start + len(bucket))
		for i, el := range bucket {
			result[f.Start+i] = el
		}
	}

	for _, child := range r.immediateChildren(path, SegIndex) {
		grow(child.Index + 1)
		result[child.Index] = r.resolve(append(clonePath(path), PathSeg{Kind: SegIndex, Index: child.Index}))
	}
	return result
}

func (r *resolver) resolveMap(path Path, group []Fragment) map[string]any {
	result := map[string]any{}
	for _, f := range group {
		bucket, ok := f.Data.(map[string]any)
		if !ok {
			r.warn("dropped map fragment with non-map data at path " + path.String())
			continue
		}
		for k, v := range bucket {
			result[k] = v
		}
	}
	for _, child := range r.immediateChildren(path, SegField) {
		result[child.Field] = r.resolve(append(clonePath(path), PathSeg{Kind: SegField, Field: child.Field}))
	}
	return result
}

// immediateChildren finds every distinct path that extends parent by
// exactly one segment of the given kind.
func (r *resolver) immediateChildren(parent Path, kind SegKind) []PathSeg {
	var out []PathSeg
	seen := map[string]bool{}
	for _, p := range r.paths {
		if len(p) != len(parent)+1 {
			continue
		}
		if !Path(p[:len(parent)]).Equal(parent) {
			continue
		}
		last := p[len(p)-1]
		if last.Kind != kind {
			continue
		}
		dedupe := last.Field
		if kind == SegIndex {
			dedupe = strconv.Itoa(last.Index)
		}
		if seen[dedupe] {
			continue
		}
		seen[dedupe] = true
		out = append(out, last)
	}
	return out
}

func (r *resolver) warn(msg string) {
	r.warnings = append(r.warnings, msg)
}
