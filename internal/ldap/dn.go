package ldap

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ParseDN parses dn after trimming surrounding whitespace.
func ParseDN(dn string) (*ldap.DN, error) {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return nil, fmt.Errorf("DN cannot be empty")
	}

	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return nil, fmt.Errorf("invalid DN syntax %q: %w", dn, err)
	}

	return parsed, nil
}

// EqualDN compares two DNs component-wise. Attribute types always compare
// case-insensitively; values compare case-insensitively unless
// caseSensitive is set. Unparseable DNs fall back to string comparison.
func EqualDN(a, b string, caseSensitive bool) bool {
	pa, errA := ldap.ParseDN(strings.TrimSpace(a))
	pb, errB := ldap.ParseDN(strings.TrimSpace(b))
	if errA != nil || errB != nil {
		if caseSensitive {
			return strings.TrimSpace(a) == strings.TrimSpace(b)
		}
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}

	if len(pa.RDNs) != len(pb.RDNs) {
		return false
	}

	for i := range pa.RDNs {
		if !equalRDN(pa.RDNs[i], pb.RDNs[i], caseSensitive) {
			return false
		}
	}

	return true
}

func equalRDN(a, b *ldap.RelativeDN, caseSensitive bool) bool {
	if len(a.Attributes) != len(b.Attributes) {
		return false
	}

	for _, attrA := range a.Attributes {
		found := false
		for _, attrB := range b.Attributes {
			if !strings.EqualFold(attrA.Type, attrB.Type) {
				continue
			}
			if caseSensitive && attrA.Value == attrB.Value {
				found = true
			} else if !caseSensitive && strings.EqualFold(attrA.Value, attrB.Value) {
				found = true
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// IsDescendant reports whether child sits strictly below parent.
func IsDescendant(child, parent string) bool {
	pc, err := ldap.ParseDN(strings.TrimSpace(child))
	if err != nil {
		return false
	}
	pp, err := ldap.ParseDN(strings.TrimSpace(parent))
	if err != nil {
		return false
	}

	if len(pc.RDNs) <= len(pp.RDNs) {
		return false
	}

	offset := len(pc.RDNs) - len(pp.RDNs)
	for i := range pp.RDNs {
		if !equalRDN(pc.RDNs[offset+i], pp.RDNs[i], false) {
			return false
		}
	}

	return true
}

// SplitRDN splits dn into its leading RDN and parent DN, both in string form.
func SplitRDN(dn string) (rdn, parent string, err error) {
	parsed, err := ParseDN(dn)
	if err != nil {
		return "", "", err
	}

	rdn = formatRDN(parsed.RDNs[0])
	if len(parsed.RDNs) > 1 {
		parent = FormatDN(&ldap.DN{RDNs: parsed.RDNs[1:]})
	}

	return rdn, parent, nil
}

// ParentDN returns the parent of dn, or "" for a single-component DN.
func ParentDN(dn string) (string, error) {
	_, parent, err := SplitRDN(dn)
	return parent, err
}

// FormatDN renders a parsed DN with escaped values.
func FormatDN(dn *ldap.DN) string {
	parts := make([]string, 0, len(dn.RDNs))
	for _, rdn := range dn.RDNs {
		parts = append(parts, formatRDN(rdn))
	}
	return strings.Join(parts, ",")
}

func formatRDN(rdn *ldap.RelativeDN) string {
	parts := make([]string, 0, len(rdn.Attributes))
	for _, attr := range rdn.Attributes {
		parts = append(parts, attr.Type+"="+EscapeDNValue(attr.Value))
	}
	return strings.Join(parts, "+")
}

// EscapeDNValue escapes special characters in a DN attribute value according to RFC 4514.
func EscapeDNValue(value string) string {
	if value == "" {
		return value
	}

	var result strings.Builder
	result.Grow(len(value) + 10)

	for i, r := range value {
		switch r {
		case ',', '+', '"', '\\', '<', '>', ';', '=':
			result.WriteRune('\\')
			result.WriteRune(r)
		case '#':
			if i == 0 {
				result.WriteRune('\\')
			}
			result.WriteRune(r)
		case ' ':
			if i == 0 || i == len(value)-1 {
				result.WriteRune('\\')
			}
			result.WriteRune(r)
		case 0:
			result.WriteString("\\00")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}
