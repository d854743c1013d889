package parity

import (
	"bytes"
	"encoding/json"
	"sort"
)

// DiffKind classifies a structural difference.
type DiffKind string

const (
	DiffChanged DiffKind = "changed"
	DiffAdded   DiffKind = "added"
	DiffRemoved DiffKind = "removed"
	DiffType    DiffKind = "type_changed"
	// DiffOrder marks an array holding the same elements in a different order.
	DiffOrder DiffKind = "order"
)

// Diff is one path-level difference between the legacy and candidate values.
type Diff struct {
	Path      string   `json:"path"`
	Kind      DiffKind `json:"kind"`
	Severity  Severity `json:"severity"`
	Legacy    any      `json:"legacy,omitempty"`
	Candidate any      `json:"candidate,omitempty"`

	path Path
}

// Compare walks two normalized values and returns their differences in path order.
func Compare(legacy, candidate any) []Diff {
	var diffs []Diff
	compareAt(Path{}, legacy, candidate, &diffs)
	return diffs
}

func compareAt(path Path, a, b any, diffs *[]Diff) {
	if kindOf(a) != kindOf(b) {
		*diffs = append(*diffs, Diff{Path: path.String(), Kind: DiffType, Legacy: a, Candidate: b, path: path})
		return
	}
	switch av := a.(type) {
	case map[string]any:
		bv := b.(map[string]any)
		keys := make([]string, 0, len(av)+len(bv))
		for k := range av {
			keys = append(keys, k)
		}
		for k := range bv {
			if _, ok := av[k]; !ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := path.Key(k)
			ae, inA := av[k]
			be, inB := bv[k]
			switch {
			case !inB:
				*diffs = append(*diffs, Diff{Path: child.String(), Kind: DiffRemoved, Legacy: ae, path: child})
			case !inA:
				*diffs = append(*diffs, Diff{Path: child.String(), Kind: DiffAdded, Candidate: be, path: child})
			default:
				compareAt(child, ae, be, diffs)
			}
		}
	case []any:
		bv := b.([]any)
		if sameElements(av, bv) {
			if !equalCanonical(av, bv) {
				*diffs = append(*diffs, Diff{Path: path.String(), Kind: DiffOrder, path: path})
			}
			return
		}
		n := min(len(av), len(bv))
		for i := 0; i < n; i++ {
			compareAt(path.Index(i), av[i], bv[i], diffs)
		}
		for i := n; i < len(av); i++ {
			child := path.Index(i)
			*diffs = append(*diffs, Diff{Path: child.String(), Kind: DiffRemoved, Legacy: av[i], path: child})
		}
		for i := n; i < len(bv); i++ {
			child := path.Index(i)
			*diffs = append(*diffs, Diff{Path: child.String(), Kind: DiffAdded, Candidate: bv[i], path: child})
		}
	default:
		if !equalCanonical(a, b) {
			*diffs = append(*diffs, Diff{Path: path.String(), Kind: DiffChanged, Legacy: a, Candidate: b, path: path})
		}
	}
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case json.Number, float64, int, int64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}

func equalCanonical(a, b any) bool {
	ab, errA := Canonical(a)
	bb, errB := Canonical(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// sameElements reports whether two arrays hold the same multiset of elements.
func sameElements(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, elem := range a {
		key, err := Canonical(elem)
		if err != nil {
			return false
		}
		counts[string(key)]++
	}
	for _, elem := range b {
		key, err := Canonical(elem)
		if err != nil {
			return false
		}
		counts[string(key)]--
		if counts[string(key)] < 0 {
			return false
		}
	}
	return true
}
