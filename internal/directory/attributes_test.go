package directory

import (
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributes(t *testing.T) {
	a := Attributes{
		"cn":          {"John Doe"},
		"Mail":        {"a@example.com", "b@example.com"},
		"description": nil,
	}

	assert.Equal(t, []string{"Mail", "cn", "description"}, a.Names())

	key, ok := a.Key("mail")
	assert.True(t, ok)
	assert.Equal(t, "Mail", key)

	values, ok := a.Get("MAIL")
	assert.True(t, ok)
	assert.Len(t, values, 2)
	assert.Equal(t, "a@example.com", a.First("mail"))
	assert.Empty(t, a.First("description"))
	assert.Empty(t, a.First("title"))

	a.Set("mail", []string{"c@example.com"})
	_, ok = a["Mail"]
	assert.False(t, ok, "Set replaces keys differing in case")
	assert.Equal(t, []string{"c@example.com"}, a["mail"])

	a.Remove("CN")
	_, ok = a.Get("cn")
	assert.False(t, ok)
}

func TestAttributesClone(t *testing.T) {
	a := Attributes{"mail": {"a@example.com"}, "title": nil}
	c := a.Clone()

	c["mail"][0] = "changed"
	assert.Equal(t, "a@example.com", a["mail"][0])
	assert.Contains(t, c, "title")
	assert.Nil(t, c["title"])

	assert.Nil(t, Attributes(nil).Clone())

	present := a.Present()
	assert.Equal(t, Attributes{"mail": {"a@example.com"}}, present)
}

func TestEntryFromLDAP(t *testing.T) {
	guid := []byte{0xff, 0x19, 0x96, 0x6f, 0x86, 0x8b, 0x11, 0xd0, 0xb4, 0x2d, 0x00, 0xc0, 0x4f, 0xc9, 0x64, 0xff}

	raw := &ldap.Entry{
		DN: "CN=John Doe,CN=Users,DC=example,DC=com",
		Attributes: []*ldap.EntryAttribute{
			{Name: "sAMAccountName", Values: []string{"jdoe"}, ByteValues: [][]byte{[]byte("jdoe")}},
			{Name: "objectGUID", Values: []string{string(guid)}, ByteValues: [][]byte{guid}},
		},
	}

	entry := EntryFromLDAP(raw)
	require.NotNil(t, entry)
	assert.Equal(t, raw.DN, entry.DN)

	def := NewUIDObjectDefinition("user", "dc=example,dc=com")
	def.PrimaryKeyAttr = "sAMAccountName"
	def.UniqueIdentifierAttr = "objectGUID"

	assert.Equal(t, "jdoe", entry.PrimaryKey(def))
	assert.Equal(t, "6f9619ff-8b86-d011-b42d-00c04fc964ff", entry.UniqueIdentifier(def))

	def.UniqueIdentifierAttr = ""
	assert.Empty(t, entry.UniqueIdentifier(def))

	clone := entry.Clone()
	clone.Attributes["sAMAccountName"][0] = "other"
	assert.Equal(t, "jdoe", entry.PrimaryKey(def))

	assert.Nil(t, EntryFromLDAP(nil))
	assert.Nil(t, (*Entry)(nil).Clone())
	assert.Empty(t, (*Entry)(nil).PrimaryKey(def))
	assert.Len(t, EntriesFromLDAP([]*ldap.Entry{raw, raw}), 2)
}
