package ldap

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// GUIDBytesLength is the size of an objectGUID value.
const GUIDBytesLength = 16

// Well-known unique identifier attributes.
const (
	AttributeObjectGUID = "objectGUID"
	AttributeEntryUUID  = "entryUUID"
)

// NormalizeGUID converts a GUID in any common textual form (hyphenated,
// compact, braced or urn:uuid:) to lowercase hyphenated form.
func NormalizeGUID(guid string) (string, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(guid))
	if err != nil {
		return "", fmt.Errorf("invalid GUID format %q: %w", guid, err)
	}
	return parsed.String(), nil
}

// GUIDToBytes converts a GUID string to Active Directory byte order.
// Active Directory stores the first three fields little-endian and the
// final eight bytes as-is.
func GUIDToBytes(guid string) ([]byte, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(guid))
	if err != nil {
		return nil, fmt.Errorf("invalid GUID format %q: %w", guid, err)
	}
	return swapGUIDEndianness(parsed[:]), nil
}

// GUIDFromBytes converts Active Directory objectGUID bytes to a string.
func GUIDFromBytes(b []byte) (string, error) {
	if len(b) != GUIDBytesLength {
		return "", fmt.Errorf("invalid GUID byte length: expected %d, got %d", GUIDBytesLength, len(b))
	}

	parsed, err := uuid.FromBytes(swapGUIDEndianness(b))
	if err != nil {
		return "", fmt.Errorf("failed to decode GUID: %w", err)
	}
	return parsed.String(), nil
}

// swapGUIDEndianness converts between RFC 4122 and Active Directory byte
// order. The conversion is its own inverse.
func swapGUIDEndianness(in []byte) []byte {
	out := make([]byte, GUIDBytesLength)
	out[0], out[1], out[2], out[3] = in[3], in[2], in[1], in[0]
	out[4], out[5] = in[5], in[4]
	out[6], out[7] = in[7], in[6]
	copy(out[8:], in[8:])
	return out
}

// UniqueIdentifier reads the unique identifier attribute from entry and
// renders it as text. objectGUID is decoded from its binary form and
// entryUUID is normalized; anything else is returned verbatim.
func UniqueIdentifier(entry *ldap.Entry, attribute string) (string, error) {
	if entry == nil {
		return "", fmt.Errorf("LDAP entry cannot be nil")
	}

	switch {
	case strings.EqualFold(attribute, AttributeObjectGUID):
		raw := RawAttributeValues(entry, attribute)
		if len(raw) == 0 {
			return "", fmt.Errorf("%s attribute not found in entry %s", attribute, entry.DN)
		}
		if len(raw[0]) == GUIDBytesLength {
			return GUIDFromBytes(raw[0])
		}
		// Already textual, as served by some proxies.
		return NormalizeGUID(string(raw[0]))
	case strings.EqualFold(attribute, AttributeEntryUUID):
		values := AttributeValues(entry, attribute)
		if len(values) == 0 {
			return "", fmt.Errorf("%s attribute not found in entry %s", attribute, entry.DN)
		}
		return NormalizeGUID(values[0])
	default:
		values := AttributeValues(entry, attribute)
		if len(values) == 0 {
			return "", fmt.Errorf("%s attribute not found in entry %s", attribute, entry.DN)
		}
		return values[0], nil
	}
}

// WhereUniqueIdentifier adds a condition matching a textual unique identifier
// to q, encoding objectGUID values in their binary form.
func (q *Query) WhereUniqueIdentifier(attribute, value string) (*Query, error) {
	if strings.EqualFold(attribute, AttributeObjectGUID) {
		b, err := GUIDToBytes(value)
		if err != nil {
			return nil, err
		}
		return q.WhereBinary(attribute, b), nil
	}
	return q.Where(attribute, value), nil
}
