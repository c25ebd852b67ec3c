// Package directory holds the data model shared by the reconciliation
// engine: object definitions (per-class policy), attribute maps, entries
// read from the directory and the codec that normalizes caller values.
package directory

import (
	"fmt"
	"slices"
	"strings"

	ldapclient "github.com/isometry/ldap-connector/internal/ldap"
)

// DNAttribute is the pseudo-attribute carrying the requested DN.
const DNAttribute = "dn"

// ObjectDefinition is the policy for one class of directory objects. It is
// owned by the caller and treated as immutable for the duration of a call.
type ObjectDefinition interface {
	ObjectClass() string
	PrimaryKeyAttribute() string
	// UniqueIdentifierAttribute names the server-managed globally unique
	// identifier, or "" when the directory has none.
	UniqueIdentifierAttribute() string

	// QueryForPrimaryKey returns nil to disable primary key search.
	QueryForPrimaryKey(pkey string) *ldapclient.Query
	QueryForUniqueIdentifier(pkey, uniqueIdentifier string) (*ldapclient.Query, error)

	// AcceptAsExistingDN rejects DNs that are known never to be the
	// primary entry for a key, such as replication artifacts.
	AcceptAsExistingDN(dn string) bool

	KeepExistingAttributesWhenUpdating() bool
	RemoveDuplicatePrimaryKeys() bool
	RenamingEnabled() bool

	IsAppendOnly(attribute string) bool
	IsInsertOnly(attribute string) bool
	IsUpdateOnly(attribute string) bool
	// IsDynamicAttribute reports whether name, in attribute.INDICATOR
	// form, is resolved through a dynamic attribute resolver.
	IsDynamicAttribute(name string) bool

	// GroupMembershipAttribute is the attribute on group entries that
	// lists member DNs, or "" when group directives are not supported.
	GroupMembershipAttribute() string
	// IsServerManaged reports whether the server maintains attribute
	// itself. Such attributes are never removed for being absent from a
	// request.
	IsServerManaged(attribute string) bool
	// MetaAttributePrefix prefixes request keys that carry directives
	// rather than attribute values.
	MetaAttributePrefix() string
	DNCaseSensitive() bool
}

// Defaults for UIDObjectDefinition.
const (
	DefaultPrimaryKeyAttribute       = "uid"
	DefaultUniqueIdentifierAttribute = ldapclient.AttributeEntryUUID
	DefaultGroupMembershipAttribute  = "uniqueMember"
	DefaultMetaAttributePrefix       = "_"
	ReplicationArtifactDNPrefix      = "entryuuid="
)

// DefaultServerManagedAttributes are read back by a "*" search but are
// owned by the server: Active Directory system attributes and the
// operational attributes of RFC 4512 directories.
var DefaultServerManagedAttributes = []string{
	// Active Directory
	"distinguishedName", "name", "objectCategory", "instanceType",
	"objectGUID", "objectSid", "sAMAccountType", "nTSecurityDescriptor",
	"whenCreated", "whenChanged", "uSNCreated", "uSNChanged",
	"dSCorePropagationData", "isCriticalSystemObject", "systemFlags",
	"memberOf", "lastLogon", "lastLogoff", "lastLogonTimestamp",
	"logonCount", "badPwdCount", "badPasswordTime",
	// Operational
	"createTimestamp", "modifyTimestamp", "creatorsName", "modifiersName",
	"entryDN", "entryUUID", "entryCSN", "structuralObjectClass",
	"subschemaSubentry", "hasSubordinates", "nsUniqueId",
}

// UIDObjectDefinition is an ObjectDefinition keyed by uid with entryUUID as
// the unique identifier. Both attributes can be overridden, which makes it
// suitable for Active Directory (sAMAccountName / objectGUID) as well.
type UIDObjectDefinition struct {
	Class                string
	BaseDN               string
	PrimaryKeyAttr       string
	UniqueIdentifierAttr string

	KeepExisting      bool
	RemoveDuplicates  bool
	DisableRenaming   bool
	DNIsCaseSensitive bool

	AppendOnly []string
	InsertOnly []string
	UpdateOnly []string
	// Dynamic lists attribute.INDICATOR names. Including dn.ONCREATE
	// disables renaming.
	Dynamic []string

	GroupAttribute string
	MetaPrefix     string

	// ServerManaged lists attributes left alone when an update omits
	// them. NewUIDObjectDefinition seeds it with
	// DefaultServerManagedAttributes.
	ServerManaged []string

	// RejectedDNPrefixes are matched case-insensitively against the start
	// of a DN by AcceptAsExistingDN.
	RejectedDNPrefixes []string
}

// NewUIDObjectDefinition returns a definition with the default key,
// identifier, group attribute and replication artifact filter.
func NewUIDObjectDefinition(objectClass, baseDN string) *UIDObjectDefinition {
	return &UIDObjectDefinition{
		Class:                objectClass,
		BaseDN:               baseDN,
		PrimaryKeyAttr:       DefaultPrimaryKeyAttribute,
		UniqueIdentifierAttr: DefaultUniqueIdentifierAttribute,
		GroupAttribute:       DefaultGroupMembershipAttribute,
		MetaPrefix:           DefaultMetaAttributePrefix,
		RejectedDNPrefixes:   []string{ReplicationArtifactDNPrefix},
		ServerManaged:        slices.Clone(DefaultServerManagedAttributes),
	}
}

func (d *UIDObjectDefinition) ObjectClass() string { return d.Class }

func (d *UIDObjectDefinition) PrimaryKeyAttribute() string {
	if d.PrimaryKeyAttr == "" {
		return DefaultPrimaryKeyAttribute
	}
	return d.PrimaryKeyAttr
}

func (d *UIDObjectDefinition) UniqueIdentifierAttribute() string {
	return d.UniqueIdentifierAttr
}

// QueryForPrimaryKey matches objectClass and the primary key under BaseDN.
func (d *UIDObjectDefinition) QueryForPrimaryKey(pkey string) *ldapclient.Query {
	if pkey == "" {
		return nil
	}
	return d.baseQuery().Where(d.PrimaryKeyAttribute(), pkey)
}

// QueryForUniqueIdentifier additionally requires the unique identifier.
func (d *UIDObjectDefinition) QueryForUniqueIdentifier(pkey, uniqueIdentifier string) (*ldapclient.Query, error) {
	if d.UniqueIdentifierAttr == "" {
		return nil, fmt.Errorf("object class %s has no unique identifier attribute", d.Class)
	}
	q := d.baseQuery()
	if pkey != "" {
		q.Where(d.PrimaryKeyAttribute(), pkey)
	}
	return q.WhereUniqueIdentifier(d.UniqueIdentifierAttribute(), uniqueIdentifier)
}

func (d *UIDObjectDefinition) baseQuery() *ldapclient.Query {
	q := ldapclient.NewQuery(d.BaseDN, d.Class)
	q.Attributes = []string{"*"}
	if d.UniqueIdentifierAttr != "" {
		q.Attributes = append(q.Attributes, d.UniqueIdentifierAttr)
	}
	return q
}

func (d *UIDObjectDefinition) AcceptAsExistingDN(dn string) bool {
	dn = strings.ToLower(strings.TrimSpace(dn))
	for _, prefix := range d.RejectedDNPrefixes {
		if strings.HasPrefix(dn, strings.ToLower(prefix)) {
			return false
		}
	}
	return true
}

func (d *UIDObjectDefinition) KeepExistingAttributesWhenUpdating() bool { return d.KeepExisting }

func (d *UIDObjectDefinition) RemoveDuplicatePrimaryKeys() bool { return d.RemoveDuplicates }

func (d *UIDObjectDefinition) RenamingEnabled() bool {
	return !d.DisableRenaming && !d.IsDynamicAttribute(DNAttribute+"."+IndicatorOnCreate)
}

func (d *UIDObjectDefinition) IsAppendOnly(attribute string) bool {
	return containsFold(d.AppendOnly, attribute)
}

func (d *UIDObjectDefinition) IsInsertOnly(attribute string) bool {
	return containsFold(d.InsertOnly, attribute)
}

func (d *UIDObjectDefinition) IsUpdateOnly(attribute string) bool {
	return containsFold(d.UpdateOnly, attribute)
}

func (d *UIDObjectDefinition) IsDynamicAttribute(name string) bool {
	return containsFold(d.Dynamic, name)
}

func (d *UIDObjectDefinition) GroupMembershipAttribute() string { return d.GroupAttribute }

func (d *UIDObjectDefinition) IsServerManaged(attribute string) bool {
	return containsFold(d.ServerManaged, attribute)
}

func (d *UIDObjectDefinition) MetaAttributePrefix() string { return d.MetaPrefix }

func (d *UIDObjectDefinition) DNCaseSensitive() bool { return d.DNIsCaseSensitive }

func containsFold(names []string, name string) bool {
	return slices.ContainsFunc(names, func(n string) bool {
		return strings.EqualFold(n, name)
	})
}

// Dynamic attribute indicators with built-in behavior.
const (
	IndicatorOnCreate = "ONCREATE"
	IndicatorOnUpdate = "ONUPDATE"
	IndicatorAppend   = "APPEND"
	IndicatorDynamic  = "DYNAMIC"
)

// SplitDynamicName splits attribute.INDICATOR at the last dot.
func SplitDynamicName(name string) (attribute, indicator string, ok bool) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return name, "", false
	}
	return name[:i], name[i+1:], true
}
