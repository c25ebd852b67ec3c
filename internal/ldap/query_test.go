package ldap

import (
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
)

func TestQuery_Filter(t *testing.T) {
	tests := []struct {
		name  string
		query *Query
		want  string
	}{
		{
			name:  "empty",
			query: &Query{},
			want:  "(objectClass=*)",
		},
		{
			name:  "object class only",
			query: NewQuery("dc=example,dc=com", "inetOrgPerson"),
			want:  "(objectClass=inetOrgPerson)",
		},
		{
			name:  "conjunction",
			query: NewQuery("dc=example,dc=com", "inetOrgPerson").Where("uid", "jdoe").Where("mail", "jdoe@example.com"),
			want:  "(&(objectClass=inetOrgPerson)(uid=jdoe)(mail=jdoe@example.com))",
		},
		{
			name:  "escaped value",
			query: NewQuery("", "").Where("cn", "a*(b)\\"),
			want:  `(cn=a\2a\28b\29\5c)`,
		},
		{
			name:  "binary value",
			query: NewQuery("", "").WhereBinary("objectSid", []byte{0x01, 0x00, 0xff}),
			want:  `(objectSid=\01\00\ff)`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.query.Filter())
		})
	}
}

func TestQuery_SearchRequest(t *testing.T) {
	q := NewQuery("ou=people,dc=example,dc=com", "person").Where("uid", "jdoe")
	q.Attributes = []string{"uid", "cn"}

	req := q.SearchRequest()
	assert.Equal(t, "ou=people,dc=example,dc=com", req.BaseDN)
	assert.Equal(t, ScopeWholeSubtree, req.Scope)
	assert.Equal(t, "(&(objectClass=person)(uid=jdoe))", req.Filter)
	assert.Equal(t, []string{"uid", "cn"}, req.Attributes)
}

func TestQuery_Matches(t *testing.T) {
	entry := ldap.NewEntry("uid=jdoe,ou=people,dc=example,dc=com", map[string][]string{
		"objectClass": {"top", "inetOrgPerson"},
		"uid":         {"jdoe"},
		"mail":        {"JDoe@Example.com", "john@example.com"},
		"objectSid":   {"\x01\x02"},
	})

	tests := []struct {
		name  string
		query *Query
		want  bool
	}{
		{"subtree", NewQuery("dc=example,dc=com", "inetOrgPerson").Where("uid", "jdoe"), true},
		{"base equal", NewQuery("uid=jdoe,ou=people,dc=example,dc=com", ""), true},
		{"outside base", NewQuery("dc=other,dc=com", ""), false},
		{"object class case", NewQuery("", "INETORGPERSON"), true},
		{"wrong object class", NewQuery("", "group"), false},
		{"value case", NewQuery("", "").Where("MAIL", "jdoe@example.com"), true},
		{"second value", NewQuery("", "").Where("mail", "john@example.com"), true},
		{"missing value", NewQuery("", "").Where("mail", "nobody@example.com"), false},
		{"missing attribute", NewQuery("", "").Where("title", "x"), false},
		{"binary", NewQuery("", "").WhereBinary("objectSid", []byte{0x01, 0x02}), true},
		{"binary mismatch", NewQuery("", "").WhereBinary("objectSid", []byte{0x01, 0x03}), false},
		{"scope base", &Query{BaseDN: "ou=people,dc=example,dc=com", Scope: ScopeBaseObject}, false},
		{"scope one", &Query{BaseDN: "ou=people,dc=example,dc=com", Scope: ScopeSingleLevel}, true},
		{"scope one too deep", &Query{BaseDN: "dc=example,dc=com", Scope: ScopeSingleLevel}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.query.Matches(entry))
		})
	}

	assert.False(t, NewQuery("", "").Matches(nil))
}

func TestAttributeValues(t *testing.T) {
	entry := ldap.NewEntry("cn=x", map[string][]string{"Mail": {"a@example.com"}})

	assert.Equal(t, []string{"a@example.com"}, AttributeValues(entry, "mail"))
	assert.Equal(t, [][]byte{[]byte("a@example.com")}, RawAttributeValues(entry, "MAIL"))
	assert.Nil(t, AttributeValues(entry, "cn"))
	assert.Nil(t, AttributeValues(nil, "mail"))
	assert.Nil(t, RawAttributeValues(nil, "mail"))
}
