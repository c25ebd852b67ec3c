package directory

import "strings"

// Fold returns the comparison form of a value: lowercased, trimmed, with
// inner runs of whitespace collapsed to one space.
func Fold(v string) string {
	return strings.ToLower(strings.Join(strings.Fields(v), " "))
}

// FoldEqual compares two values ignoring case and whitespace runs.
func FoldEqual(a, b string) bool {
	return Fold(a) == Fold(b)
}

// FoldedSet is an insertion-ordered set of strings compared by Fold. The
// first textual form added for a folded value is the one kept.
type FoldedSet struct {
	values []string
	index  map[string]struct{}
}

// NewFoldedSet returns a set holding values in order.
func NewFoldedSet(values ...string) *FoldedSet {
	s := &FoldedSet{index: make(map[string]struct{}, len(values))}
	s.AddAll(values...)
	return s
}

// Add inserts v and reports whether it was not already present.
func (s *FoldedSet) Add(v string) bool {
	key := Fold(v)
	if _, ok := s.index[key]; ok {
		return false
	}
	s.index[key] = struct{}{}
	s.values = append(s.values, v)
	return true
}

// AddAll inserts each value in order.
func (s *FoldedSet) AddAll(values ...string) {
	for _, v := range values {
		s.Add(v)
	}
}

// Contains reports whether a value equal to v under Fold is present.
func (s *FoldedSet) Contains(v string) bool {
	_, ok := s.index[Fold(v)]
	return ok
}

// Len returns the number of distinct folded values.
func (s *FoldedSet) Len() int {
	return len(s.values)
}

// Values returns the kept textual forms in insertion order.
func (s *FoldedSet) Values() []string {
	out := make([]string, len(s.values))
	copy(out, s.values)
	return out
}

// Union returns the values of a followed by those of b not already in a.
func Union(a, b []string) []string {
	s := NewFoldedSet(a...)
	s.AddAll(b...)
	return s.Values()
}
