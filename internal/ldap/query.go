package ldap

import (
	"fmt"
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Condition is one equality assertion in a Query.
type Condition struct {
	Attribute string
	Value     string
	// Binary marks Value as raw octets (objectGUID, objectSid). They are
	// hex-escaped in the filter and compared byte-for-byte when matching.
	Binary bool
}

// Query is a conjunction of equality conditions scoped under a base DN.
type Query struct {
	BaseDN      string
	Scope       SearchScope
	ObjectClass string
	Conditions  []Condition
	Attributes  []string
}

// NewQuery returns a subtree query for objectClass under baseDN.
func NewQuery(baseDN, objectClass string) *Query {
	return &Query{
		BaseDN:      baseDN,
		Scope:       ScopeWholeSubtree,
		ObjectClass: objectClass,
	}
}

// Where appends an equality condition and returns q for chaining.
func (q *Query) Where(attribute, value string) *Query {
	q.Conditions = append(q.Conditions, Condition{Attribute: attribute, Value: value})
	return q
}

// WhereBinary appends a raw-octet equality condition.
func (q *Query) WhereBinary(attribute string, value []byte) *Query {
	q.Conditions = append(q.Conditions, Condition{Attribute: attribute, Value: string(value), Binary: true})
	return q
}

// Filter renders the query as an RFC 4515 filter string.
func (q *Query) Filter() string {
	var clauses []string

	if q.ObjectClass != "" {
		clauses = append(clauses, fmt.Sprintf("(objectClass=%s)", ldap.EscapeFilter(q.ObjectClass)))
	}

	for _, c := range q.Conditions {
		if c.Binary {
			clauses = append(clauses, fmt.Sprintf("(%s=%s)", c.Attribute, escapeOctets([]byte(c.Value))))
			continue
		}
		clauses = append(clauses, fmt.Sprintf("(%s=%s)", c.Attribute, ldap.EscapeFilter(c.Value)))
	}

	switch len(clauses) {
	case 0:
		return "(objectClass=*)"
	case 1:
		return clauses[0]
	default:
		return "(&" + strings.Join(clauses, "") + ")"
	}
}

// SearchRequest converts the query into a SearchRequest.
func (q *Query) SearchRequest() *SearchRequest {
	return &SearchRequest{
		BaseDN:     q.BaseDN,
		Scope:      q.Scope,
		Filter:     q.Filter(),
		Attributes: q.Attributes,
	}
}

// Matches evaluates the query against an entry the way a directory server
// would for case-insensitive string attributes.
func (q *Query) Matches(entry *ldap.Entry) bool {
	if entry == nil {
		return false
	}

	if q.BaseDN != "" {
		switch q.Scope {
		case ScopeBaseObject:
			if !EqualDN(entry.DN, q.BaseDN, false) {
				return false
			}
		case ScopeSingleLevel:
			parent, err := ParentDN(entry.DN)
			if err != nil || !EqualDN(parent, q.BaseDN, false) {
				return false
			}
		default:
			if !EqualDN(entry.DN, q.BaseDN, false) && !IsDescendant(entry.DN, q.BaseDN) {
				return false
			}
		}
	}

	if q.ObjectClass != "" && !containsFold(AttributeValues(entry, "objectClass"), q.ObjectClass) {
		return false
	}

	for _, c := range q.Conditions {
		if c.Binary {
			if !slices.ContainsFunc(RawAttributeValues(entry, c.Attribute), func(v []byte) bool {
				return string(v) == c.Value
			}) {
				return false
			}
			continue
		}
		if !containsFold(AttributeValues(entry, c.Attribute), c.Value) {
			return false
		}
	}

	return true
}

// AttributeValues returns the values of the named attribute, matching the
// attribute name case-insensitively.
func AttributeValues(entry *ldap.Entry, name string) []string {
	if entry == nil {
		return nil
	}
	for _, attr := range entry.Attributes {
		if strings.EqualFold(attr.Name, name) {
			return attr.Values
		}
	}
	return nil
}

// RawAttributeValues is AttributeValues for binary attributes.
func RawAttributeValues(entry *ldap.Entry, name string) [][]byte {
	if entry == nil {
		return nil
	}
	for _, attr := range entry.Attributes {
		if strings.EqualFold(attr.Name, name) {
			return attr.ByteValues
		}
	}
	return nil
}

func containsFold(values []string, want string) bool {
	return slices.ContainsFunc(values, func(v string) bool {
		return strings.EqualFold(v, want)
	})
}

// escapeOctets renders raw bytes as \xx filter escapes.
func escapeOctets(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for _, c := range b {
		fmt.Fprintf(&sb, "\\%02x", c)
	}
	return sb.String()
}
