package connector

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"

	ldapclient "github.com/isometry/ldap-connector/internal/ldap"
)

// fakeDirectory is an in-memory directory that behaves like a server with
// case-insensitive string matching. Every entry gets an entryUUID.
type fakeDirectory struct {
	mu      sync.Mutex
	entries map[string]*ldap.Entry // keyed by folded DN
	calls   []string

	// failOn makes the named operation ("modify", "rename", ...) fail for
	// the given DN with the result code.
	failOn map[string]uint16
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		entries: make(map[string]*ldap.Entry),
		failOn:  make(map[string]uint16),
	}
}

func dnKey(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(dn))
	}
	parts := make([]string, 0, len(parsed.RDNs))
	for _, rdn := range parsed.RDNs {
		var attrs []string
		for _, a := range rdn.Attributes {
			attrs = append(attrs, strings.ToLower(a.Type)+"="+strings.ToLower(a.Value))
		}
		parts = append(parts, strings.Join(attrs, "+"))
	}
	return strings.Join(parts, ",")
}

func resultError(code uint16, format string, args ...any) error {
	return ldap.NewError(code, fmt.Errorf(format, args...))
}

// seed stores an entry directly, bypassing the call log.
func (f *fakeDirectory) seed(dn string, attrs map[string][]string) *ldap.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry := &ldap.Entry{DN: dn}
	for _, name := range sortedNames(attrs) {
		entry.Attributes = append(entry.Attributes, newAttribute(name, attrs[name]))
	}
	if ldapclient.AttributeValues(entry, ldapclient.AttributeEntryUUID) == nil {
		entry.Attributes = append(entry.Attributes, newAttribute(ldapclient.AttributeEntryUUID, []string{uuid.NewString()}))
	}
	f.entries[dnKey(dn)] = entry
	return entry
}

func (f *fakeDirectory) get(dn string) *ldap.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[dnKey(dn)]
}

func (f *fakeDirectory) values(dn, name string) []string {
	return ldapclient.AttributeValues(f.get(dn), name)
}

func (f *fakeDirectory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fakeDirectory) find(q *ldapclient.Query) []*ldap.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ldap.Entry
	for _, key := range sortedKeys(f.entries) {
		if e := f.entries[key]; q.Matches(e) {
			out = append(out, cloneEntry(e))
		}
	}
	return out
}

// callLog returns the mutating calls made so far, as "op dn".
func (f *fakeDirectory) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeDirectory) Session(context.Context) (ldapclient.Session, error) {
	return &fakeSession{dir: f}, nil
}

type fakeSession struct {
	dir    *fakeDirectory
	closed bool
}

func (s *fakeSession) record(op, dn string) error {
	s.dir.calls = append(s.dir.calls, op+" "+dn)
	if code, ok := s.dir.failOn[op+" "+dnKey(dn)]; ok {
		return ldapclient.WrapError(op, dn, resultError(code, "injected %s failure", op))
	}
	return nil
}

func (s *fakeSession) Find(_ context.Context, q *ldapclient.Query) ([]*ldap.Entry, error) {
	if s.closed {
		return nil, errors.New("session is closed")
	}
	return s.dir.find(q), nil
}

func (s *fakeSession) Lookup(_ context.Context, dn string, _ ...string) (*ldap.Entry, error) {
	if s.closed {
		return nil, errors.New("session is closed")
	}
	if e := s.dir.get(dn); e != nil {
		s.dir.mu.Lock()
		defer s.dir.mu.Unlock()
		return cloneEntry(e), nil
	}
	return nil, nil
}

func (s *fakeSession) Children(_ context.Context, dn string) ([]*ldap.Entry, error) {
	s.dir.mu.Lock()
	defer s.dir.mu.Unlock()
	var out []*ldap.Entry
	for _, key := range sortedKeys(s.dir.entries) {
		e := s.dir.entries[key]
		if parent, err := ldapclient.ParentDN(e.DN); err == nil && dnKey(parent) == dnKey(dn) {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func (s *fakeSession) Add(_ context.Context, req *ldapclient.AddRequest) error {
	s.dir.mu.Lock()
	defer s.dir.mu.Unlock()

	if err := s.record("add", req.DN); err != nil {
		return err
	}
	key := dnKey(req.DN)
	if _, exists := s.dir.entries[key]; exists {
		return ldapclient.WrapError("add", req.DN, resultError(ldap.LDAPResultEntryAlreadyExists, "entry exists"))
	}

	entry := &ldap.Entry{DN: req.DN}
	for _, name := range sortedNames(req.Attributes) {
		if values := req.Attributes[name]; len(values) > 0 {
			entry.Attributes = append(entry.Attributes, newAttribute(name, values))
		}
	}
	entry.Attributes = append(entry.Attributes, newAttribute(ldapclient.AttributeEntryUUID, []string{uuid.NewString()}))
	s.dir.entries[key] = entry
	return nil
}

func (s *fakeSession) Modify(_ context.Context, req *ldapclient.ModifyRequest) error {
	s.dir.mu.Lock()
	defer s.dir.mu.Unlock()

	if err := s.record("modify", req.DN); err != nil {
		return err
	}
	stored, ok := s.dir.entries[dnKey(req.DN)]
	if !ok {
		return ldapclient.WrapError("modify", req.DN, resultError(ldap.LDAPResultNoSuchObject, "no such entry"))
	}

	// Changes apply atomically.
	entry := cloneEntry(stored)
	for _, change := range req.Changes {
		if err := applyChange(entry, change); err != nil {
			return ldapclient.WrapError("modify", req.DN, err)
		}
	}
	s.dir.entries[dnKey(req.DN)] = entry
	return nil
}

func applyChange(entry *ldap.Entry, change ldapclient.Change) error {
	idx := slices.IndexFunc(entry.Attributes, func(a *ldap.EntryAttribute) bool {
		return strings.EqualFold(a.Name, change.Attribute)
	})

	switch change.Operation {
	case ldapclient.ModAdd:
		if idx < 0 {
			entry.Attributes = append(entry.Attributes, newAttribute(change.Attribute, change.Values))
			return nil
		}
		attr := entry.Attributes[idx]
		for _, v := range change.Values {
			if containsFold(attr.Values, v) {
				return resultError(ldap.LDAPResultAttributeOrValueExists, "%s: value %q exists", change.Attribute, v)
			}
		}
		entry.Attributes[idx] = newAttribute(attr.Name, append(slices.Clone(attr.Values), change.Values...))

	case ldapclient.ModDelete:
		if idx < 0 {
			return resultError(ldap.LDAPResultNoSuchAttribute, "%s: no such attribute", change.Attribute)
		}
		if len(change.Values) == 0 {
			entry.Attributes = slices.Delete(entry.Attributes, idx, idx+1)
			return nil
		}
		attr := entry.Attributes[idx]
		remaining := slices.Clone(attr.Values)
		for _, v := range change.Values {
			i := slices.IndexFunc(remaining, func(r string) bool { return strings.EqualFold(r, v) })
			if i < 0 {
				return resultError(ldap.LDAPResultNoSuchAttribute, "%s: no value %q", change.Attribute, v)
			}
			remaining = slices.Delete(remaining, i, i+1)
		}
		if len(remaining) == 0 {
			entry.Attributes = slices.Delete(entry.Attributes, idx, idx+1)
		} else {
			entry.Attributes[idx] = newAttribute(attr.Name, remaining)
		}

	case ldapclient.ModReplace:
		if idx >= 0 {
			entry.Attributes = slices.Delete(entry.Attributes, idx, idx+1)
		}
		if len(change.Values) > 0 {
			entry.Attributes = append(entry.Attributes, newAttribute(change.Attribute, change.Values))
		}
	}
	return nil
}

func (s *fakeSession) Rename(_ context.Context, oldDN, newDN string) error {
	s.dir.mu.Lock()
	defer s.dir.mu.Unlock()

	if err := s.record("rename", oldDN); err != nil {
		return err
	}
	entry, ok := s.dir.entries[dnKey(oldDN)]
	if !ok {
		return ldapclient.WrapError("modify_dn", oldDN, resultError(ldap.LDAPResultNoSuchObject, "no such entry"))
	}
	if _, exists := s.dir.entries[dnKey(newDN)]; exists && dnKey(newDN) != dnKey(oldDN) {
		return ldapclient.WrapError("modify_dn", oldDN, resultError(ldap.LDAPResultEntryAlreadyExists, "target exists"))
	}

	delete(s.dir.entries, dnKey(oldDN))
	entry = cloneEntry(entry)
	entry.DN = newDN

	// deleteOldRDN: the RDN attribute takes the new value.
	parsed, err := ldap.ParseDN(newDN)
	if err == nil {
		for _, a := range parsed.RDNs[0].Attributes {
			_ = applyChange(entry, ldapclient.Change{Operation: ldapclient.ModReplace, Attribute: a.Type, Values: []string{a.Value}})
		}
	}
	s.dir.entries[dnKey(newDN)] = entry
	return nil
}

func (s *fakeSession) Delete(_ context.Context, dn string) error {
	s.dir.mu.Lock()
	defer s.dir.mu.Unlock()

	if err := s.record("delete", dn); err != nil {
		return err
	}
	key := dnKey(dn)
	if _, ok := s.dir.entries[key]; !ok {
		return ldapclient.WrapError("delete", dn, resultError(ldap.LDAPResultNoSuchObject, "no such entry"))
	}
	for _, e := range s.dir.entries {
		if parent, err := ldapclient.ParentDN(e.DN); err == nil && dnKey(parent) == key {
			return ldapclient.WrapError("delete", dn, resultError(ldap.LDAPResultNotAllowedOnNonLeaf, "entry has children"))
		}
	}
	delete(s.dir.entries, key)
	return nil
}

func (s *fakeSession) Close() {
	s.closed = true
}

func newAttribute(name string, values []string) *ldap.EntryAttribute {
	attr := &ldap.EntryAttribute{Name: name, Values: slices.Clone(values)}
	for _, v := range values {
		attr.ByteValues = append(attr.ByteValues, []byte(v))
	}
	return attr
}

func cloneEntry(e *ldap.Entry) *ldap.Entry {
	out := &ldap.Entry{DN: e.DN}
	for _, a := range e.Attributes {
		out.Attributes = append(out.Attributes, newAttribute(a.Name, a.Values))
	}
	return out
}

func containsFold(values []string, want string) bool {
	return slices.ContainsFunc(values, func(v string) bool { return strings.EqualFold(v, want) })
}

func sortedNames(m map[string][]string) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

func sortedKeys(m map[string]*ldap.Entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
