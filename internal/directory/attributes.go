package directory

import (
	"maps"
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/ldap-connector/internal/ldap"
)

// Attributes maps attribute names to values. A nil value slice marks the
// attribute for removal; an attribute that is merely absent is left to
// the update policy.
type Attributes map[string][]string

// Names returns the attribute names in sorted order.
func (a Attributes) Names() []string {
	return slices.Sorted(maps.Keys(a))
}

// Key returns the key under which name is stored, matching exactly first
// and then case-insensitively.
func (a Attributes) Key(name string) (string, bool) {
	if _, ok := a[name]; ok {
		return name, true
	}
	for k := range a {
		if strings.EqualFold(k, name) {
			return k, true
		}
	}
	return "", false
}

// Get returns the values for name, matching case-insensitively.
func (a Attributes) Get(name string) ([]string, bool) {
	key, ok := a.Key(name)
	if !ok {
		return nil, false
	}
	return a[key], true
}

// First returns the first value of name, or "".
func (a Attributes) First(name string) string {
	values, _ := a.Get(name)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Set stores values under name, replacing any key that differs only in case.
func (a Attributes) Set(name string, values []string) {
	if key, ok := a.Key(name); ok && key != name {
		delete(a, key)
	}
	a[name] = values
}

// Remove deletes name regardless of case.
func (a Attributes) Remove(name string) {
	if key, ok := a.Key(name); ok {
		delete(a, key)
	}
}

// Clone returns a deep copy. Nil value slices stay nil.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		if v == nil {
			out[k] = nil
			continue
		}
		out[k] = slices.Clone(v)
	}
	return out
}

// Present returns a copy without removal markers or empty values.
func (a Attributes) Present() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		if len(v) > 0 {
			out[k] = slices.Clone(v)
		}
	}
	return out
}

// Entry is a directory entry as read for one reconciliation. It is never
// cached between calls.
type Entry struct {
	DN         string
	Attributes Attributes
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	return &Entry{DN: e.DN, Attributes: e.Attributes.Clone()}
}

// EntryFromLDAP converts a search result entry. Binary identifier
// attributes are rendered in their textual forms.
func EntryFromLDAP(e *ldap.Entry) *Entry {
	if e == nil {
		return nil
	}

	attrs := make(Attributes, len(e.Attributes))
	for _, attr := range e.Attributes {
		attrs[attr.Name] = DecodeValues(attr.Name, attr.Values, attr.ByteValues)
	}

	return &Entry{DN: e.DN, Attributes: attrs}
}

// EntriesFromLDAP converts a slice of search results.
func EntriesFromLDAP(entries []*ldap.Entry) []*Entry {
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, EntryFromLDAP(e))
	}
	return out
}

// UniqueIdentifier returns the textual unique identifier of the entry
// according to def, or "" when the definition has none or it is absent.
func (e *Entry) UniqueIdentifier(def ObjectDefinition) string {
	if e == nil || def.UniqueIdentifierAttribute() == "" {
		return ""
	}
	return e.Attributes.First(def.UniqueIdentifierAttribute())
}

// PrimaryKey returns the entry's primary key value according to def.
func (e *Entry) PrimaryKey(def ObjectDefinition) string {
	if e == nil {
		return ""
	}
	return e.Attributes.First(def.PrimaryKeyAttribute())
}

// identifierAttribute reports whether name holds binary identifiers that
// DecodeValues renders as text.
func identifierAttribute(name string) bool {
	return strings.EqualFold(name, ldapclient.AttributeObjectGUID) ||
		strings.EqualFold(name, ldapclient.AttributeObjectSID)
}

// CallbackContext is opaque caller state passed through to dynamic
// attribute resolvers and event callbacks.
type CallbackContext map[string]any
