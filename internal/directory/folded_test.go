package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFoldEqual(t *testing.T) {
	assert.True(t, FoldEqual("John.Doe@Example.com", " john.doe@example.com "))
	assert.False(t, FoldEqual("john", "johnny"))
	assert.Equal(t, "abc", Fold("  ABC\t"))
	assert.Equal(t, "john doe", Fold(" John \t  Doe\n"))
	assert.True(t, FoldEqual("John  Doe", "john doe"))
	assert.False(t, FoldEqual("johndoe", "john doe"))
}

func TestFoldedSet(t *testing.T) {
	s := NewFoldedSet("Admins", "users")

	assert.False(t, s.Add("ADMINS"), "duplicate under folding")
	assert.True(t, s.Add("Staff"))
	assert.True(t, s.Contains(" staff"))
	assert.False(t, s.Contains("guests"))
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []string{"Admins", "users", "Staff"}, s.Values(), "first form wins, insertion order kept")

	values := s.Values()
	values[0] = "mutated"
	assert.Equal(t, "Admins", s.Values()[0], "Values returns a copy")
}

func TestUnion(t *testing.T) {
	assert.Equal(t, []string{"a@example.com", "B@example.com"},
		Union([]string{"a@example.com"}, []string{"A@EXAMPLE.COM", "B@example.com"}))
	assert.Equal(t, []string{"Staff Group"}, Union([]string{"Staff Group"}, []string{"staff  group"}))
	assert.Empty(t, Union(nil, nil))
}

func TestFoundObjectMethod(t *testing.T) {
	tests := []struct {
		method FoundObjectMethod
		want   string
		found  bool
	}{
		{NotFound, "NOT_FOUND", false},
		{ByDNMatchedKey, "BY_DN_MATCHED_KEY", true},
		{ByDNMismatchedKeys, "BY_DN_MISMATCHED_KEYS", true},
		{ByMatchedKeyDNMismatch, "BY_MATCHED_KEY_DN_MISMATCH", true},
		{ByMatchedKeyDNNotProvided, "BY_MATCHED_KEY_DN_NOT_PROVIDED", true},
		{ByFirstFound, "BY_FIRST_FOUND", true},
		{FoundObjectMethod(99), "FoundObjectMethod(99)", true},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.method.String())
			assert.Equal(t, tt.found, tt.method.Found())

			text, err := tt.method.MarshalText()
			assert.NoError(t, err)
			assert.Equal(t, tt.want, string(text))
		})
	}
}
