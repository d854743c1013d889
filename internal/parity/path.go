package parity

import (
	"strconv"
	"strings"
)

// Path addresses a value inside a component. Object keys are plain segments
// and array elements are "[i]" segments.
type Path []string

// Key returns p extended by an object key.
func (p Path) Key(k string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, k)
}

// Index returns p extended by an array index.
func (p Path) Index(i int) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, "["+strconv.Itoa(i)+"]")
}

// String renders p as "streams[0].head_seq". The root path is "$".
func (p Path) String() string {
	if len(p) == 0 {
		return "$"
	}
	var b strings.Builder
	for i, seg := range p {
		if i > 0 && !strings.HasPrefix(seg, "[") {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}

// Pattern matches paths. It is written as dot separated segments where "*"
// matches exactly one segment (key or index) and "**" matches zero or more.
// "streams.*.updated_at" matches streams[3].updated_at and "**.nonce" matches
// a nonce key at any depth.
type Pattern struct {
	raw  string
	segs []string
}

// ParsePattern compiles a pattern.
func ParsePattern(s string) Pattern {
	s = strings.TrimPrefix(strings.TrimSpace(s), "$.")
	if s == "" || s == "$" {
		return Pattern{raw: "$"}
	}
	return Pattern{raw: s, segs: strings.Split(s, ".")}
}

func (p Pattern) String() string {
	return p.raw
}

// Match reports whether path matches the pattern in full.
func (p Pattern) Match(path Path) bool {
	return matchSegs(p.segs, path)
}

func matchSegs(pat []string, path Path) bool {
	for len(pat) > 0 {
		switch pat[0] {
		case "**":
			for i := 0; i <= len(path); i++ {
				if matchSegs(pat[1:], path[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(path) == 0 {
				return false
			}
		default:
			if len(path) == 0 || path[0] != pat[0] {
				return false
			}
		}
		pat, path = pat[1:], path[1:]
	}
	return len(path) == 0
}

func parsePatterns(raw []string) []Pattern {
	out := make([]Pattern, 0, len(raw))
	for _, r := range raw {
		out = append(out, ParsePattern(r))
	}
	return out
}

func matchAny(patterns []Pattern, path Path) bool {
	for _, p := range patterns {
		if p.Match(path) {
			return true
		}
	}
	return false
}
