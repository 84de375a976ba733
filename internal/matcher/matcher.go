// Package matcher compares WPS-declared values against the envelope a PQR
// qualifies: numeric ranges such as "5 - 10" and comma-separated token sets
// such as "SMAW, GTAW".
//
// Every function is pure. Callers skip a check when either side is absent
// or does not parse.
package matcher

import (
	"sort"
	"strconv"
	"strings"
)

// Range is a closed numeric interval.
type Range struct {
	Lo float64
	Hi float64
}

// ParseRange parses "<number> - <number>". The text is split on the first
// dash, so negative bounds are not representable. ok is false when the dash
// is missing or either side is not a number.
func ParseRange(text string) (r Range, ok bool) {
	lo, hi, found := strings.Cut(text, "-")
	if !found {
		return Range{}, false
	}
	l, err := strconv.ParseFloat(strings.TrimSpace(lo), 64)
	if err != nil {
		return Range{}, false
	}
	h, err := strconv.ParseFloat(strings.TrimSpace(hi), 64)
	if err != nil {
		return Range{}, false
	}
	return Range{Lo: l, Hi: h}, true
}

// Contains reports whether inner lies within r, bounds included.
func (r Range) Contains(inner Range) bool {
	return inner.Lo >= r.Lo && inner.Hi <= r.Hi
}

// String formats the range the way ParseRange reads it.
func (r Range) String() string {
	return strconv.FormatFloat(r.Lo, 'g', -1, 64) + "-" + strconv.FormatFloat(r.Hi, 'g', -1, 64)
}

// Set is a set of trimmed, non-empty tokens.
type Set map[string]struct{}

// Tokens splits text on commas, trims each token and drops empties,
// keeping the declared order and duplicates.
func Tokens(text string) []string {
	var out []string
	for _, tok := range strings.Split(text, ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// ParseSet is Tokens collected into a Set.
func ParseSet(text string) Set {
	s := make(Set)
	for _, tok := range Tokens(text) {
		s[tok] = struct{}{}
	}
	return s
}

// Has reports whether tok is in s.
func (s Set) Has(tok string) bool {
	_, ok := s[tok]
	return ok
}

// Union adds every token of other to s and returns s.
func (s Set) Union(other Set) Set {
	for tok := range other {
		s[tok] = struct{}{}
	}
	return s
}

// Sorted returns the tokens in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for tok := range s {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// String joins the sorted tokens with ", ".
func (s Set) String() string {
	return strings.Join(s.Sorted(), ", ")
}

// IsSubset reports whether every token of candidate appears in reference.
func IsSubset(candidate, reference Set) bool {
	for tok := range candidate {
		if !reference.Has(tok) {
			return false
		}
	}
	return true
}

// Member reports whether the trimmed token appears in reference.
func Member(token string, reference Set) bool {
	return reference.Has(strings.TrimSpace(token))
}
