package parity

import (
	"bytes"
	"fmt"
	"sort"
)

// NormalizationVersion identifies the normalization rule set. It is written
// into every report and changes whenever a rule changes meaning.
const NormalizationVersion = "agentsync.normalize.v1"

// Rules describe how a component type is normalized.
type Rules struct {
	// Strip removes values at matching paths.
	Strip []string `yaml:"strip" json:"strip,omitempty"`
	// Unordered sorts arrays at matching paths by the canonical bytes of their elements.
	Unordered []string `yaml:"unordered" json:"unordered,omitempty"`
}

func (r Rules) merge(o Rules) Rules {
	return Rules{
		Strip:     append(append([]string(nil), r.Strip...), o.Strip...),
		Unordered: append(append([]string(nil), r.Unordered...), o.Unordered...),
	}
}

// VolatileRules apply to every component type.
var VolatileRules = Rules{
	Strip: []string{"**.generated_at", "**.timestamp", "**.nonce"},
}

// Normalizer is the compiled normalization for one component type. It is a
// pure function of its input.
type Normalizer struct {
	Type      string
	strip     []Pattern
	unordered []Pattern
}

// NewNormalizer compiles rules for a component type.
func NewNormalizer(componentType string, rules Rules) Normalizer {
	return Normalizer{
		Type:      componentType,
		strip:     parsePatterns(rules.Strip),
		unordered: parsePatterns(rules.Unordered),
	}
}

// Normalize returns a normalized copy of v. The input is not modified.
func (n Normalizer) Normalize(v any) (any, error) {
	return n.walk(Path{}, v)
}

func (n Normalizer) walk(path Path, v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			child := path.Key(k)
			if matchAny(n.strip, child) {
				continue
			}
			nv, err := n.walk(child, elem)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(val))
		for i, elem := range val {
			child := path.Index(i)
			if matchAny(n.strip, child) {
				continue
			}
			nv, err := n.walk(child, elem)
			if err != nil {
				return nil, err
			}
			out = append(out, nv)
		}
		if matchAny(n.unordered, path) {
			if err := sortCanonical(out); err != nil {
				return nil, fmt.Errorf("sort %s: %w", path, err)
			}
		}
		return out, nil
	default:
		return v, nil
	}
}

func sortCanonical(items []any) error {
	keys := make([][]byte, len(items))
	for i, item := range items {
		b, err := Canonical(item)
		if err != nil {
			return err
		}
		keys[i] = b
	}
	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return bytes.Compare(keys[idx[a]], keys[idx[b]]) < 0 })
	sorted := make([]any, len(items))
	for i, j := range idx {
		sorted[i] = items[j]
	}
	copy(items, sorted)
	return nil
}

// Registry maps component types to normalizers. Types without rules get the
// volatile rules only.
type Registry struct {
	version string
	base    Rules
	byType  map[string]Rules
}

// NewRegistry creates a registry whose every type starts from base.
func NewRegistry(base Rules) *Registry {
	return &Registry{version: NormalizationVersion, base: base, byType: make(map[string]Rules)}
}

// DefaultRegistry knows the component types served by the snapshot endpoints.
func DefaultRegistry() *Registry {
	r := NewRegistry(VolatileRules)
	r.Register("stream-heads", Rules{
		Strip:     []string{"streams.*.updated_at"},
		Unordered: []string{"streams"},
	})
	r.Register("outbox-status", Rules{
		Strip: []string{"oldest_pending_at"},
	})
	r.Register("presence", Rules{
		Strip:     []string{"nodes.*.last_seen", "nodes.*.session_id"},
		Unordered: []string{"nodes"},
	})
	return r
}

// Register adds rules for a component type on top of the base rules.
func (r *Registry) Register(componentType string, rules Rules) {
	r.byType[componentType] = r.byType[componentType].merge(rules)
}

// Version returns the normalization version.
func (r *Registry) Version() string {
	return r.version
}

// For returns the normalizer for a component type.
func (r *Registry) For(componentType string) Normalizer {
	return NewNormalizer(componentType, r.base.merge(r.byType[componentType]))
}
