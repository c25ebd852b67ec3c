package connector

import (
	"context"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldap-connector/internal/directory"
	"github.com/isometry/ldap-connector/internal/event"
	ldapclient "github.com/isometry/ldap-connector/internal/ldap"
)

func TestRemoveAttributes(t *testing.T) {
	f := newFixture(t)
	dn := f.seedPerson("1", peopleDN, map[string][]string{
		"mail":        {"a@example.com"},
		"description": {"gone soon"},
	})

	modified, err := f.connector.RemoveAttributes(context.Background(), "event-2", f.def, nil,
		Target{PKey: "1"}, []string{"MAIL", "description", "title"})
	require.NoError(t, err)
	assert.True(t, modified)

	assert.Empty(t, f.dir.values(dn, "mail"))
	assert.Empty(t, f.dir.values(dn, "description"))

	msgs := eventsOf[*event.RemoveAttributesMessage](f.events)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Success)
	assert.Equal(t, "event-2", msgs[0].EventID)
	assert.Equal(t, directory.ByMatchedKeyDNNotProvided, msgs[0].FoundMethod)
	assert.Equal(t, []string{"mail", "description"}, msgs[0].RemovedAttributeNames)
	assert.Equal(t, dn, msgs[0].DN)

	// Nothing left to remove.
	modified, err = f.connector.RemoveAttributes(context.Background(), "event-3", f.def, nil,
		Target{PKey: "1", DN: dn}, []string{"mail"})
	require.NoError(t, err)
	assert.False(t, modified)
}

func TestRemoveAttributesNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.connector.RemoveAttributes(context.Background(), "event-2", f.def, nil,
		Target{PKey: "missing"}, []string{"mail"})
	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.Empty(t, f.events.types())
}

func TestAttributeOperationsRequireTarget(t *testing.T) {
	f := newFixture(t)

	_, err := f.connector.RemoveAttributes(context.Background(), "e", f.def, nil, Target{}, []string{"mail"})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = f.connector.SetAttribute(context.Background(), "e", f.def, nil, Target{}, "mail", "x", false)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = f.connector.SetAttribute(context.Background(), "e", f.def, nil, Target{PKey: "1"}, "", "x", false)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestSetAttribute(t *testing.T) {
	f := newFixture(t)
	dn := f.seedPerson("1", peopleDN, map[string][]string{"mail": {"a@example.com"}})
	target := Target{PKey: "1", DN: dn}

	modified, err := f.connector.SetAttribute(context.Background(), "e1", f.def, nil, target, "mail", "b@example.com", false)
	require.NoError(t, err)
	assert.True(t, modified)
	assert.Equal(t, []string{"b@example.com"}, f.dir.values(dn, "mail"))

	modified, err = f.connector.SetAttribute(context.Background(), "e2", f.def, nil, target, "mail", []any{"c@example.com", "d@example.com"}, true)
	require.NoError(t, err)
	assert.True(t, modified)
	assert.Equal(t, []string{"c@example.com", "d@example.com"}, f.dir.values(dn, "mail"))

	modified, err = f.connector.SetAttribute(context.Background(), "e3", f.def, nil, target, "mail", []string{"d@example.com", "c@example.com"}, false)
	require.NoError(t, err)
	assert.False(t, modified)

	modified, err = f.connector.SetAttribute(context.Background(), "e4", f.def, nil, target, "mail", nil, false)
	require.NoError(t, err)
	assert.True(t, modified)
	assert.Empty(t, f.dir.values(dn, "mail"))

	msgs := eventsOf[*event.SetAttributeMessage](f.events)
	require.Len(t, msgs, 4)
	assert.Equal(t, []bool{true, true, false, true}, []bool{msgs[0].Modified, msgs[1].Modified, msgs[2].Modified, msgs[3].Modified})
	assert.Equal(t, directory.ByDNMatchedKey, msgs[0].FoundMethod)
	assert.Equal(t, "mail", msgs[0].AttributeName)
	assert.Equal(t, []string{"b@example.com"}, msgs[0].Value)
}

func TestSetAttributeByUniqueIdentifier(t *testing.T) {
	f := newFixture(t)
	moved := f.seedPerson("1", expiredDN, nil)
	f.seedPerson("1", "ou=other,"+baseDN, nil)
	id := f.dir.values(moved, "entryUUID")[0]

	_, err := f.connector.SetAttribute(context.Background(), "e1", f.def, nil,
		Target{PKey: "1", DN: personDN("1", peopleDN), UniqueID: id}, "title", "found", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"found"}, f.dir.values(moved, "title"))
}

func TestSetAttributeFailure(t *testing.T) {
	f := newFixture(t)
	dn := f.seedPerson("1", peopleDN, nil)
	f.dir.failOn["modify "+dnKey(dn)] = ldap.LDAPResultConstraintViolation

	modified, err := f.connector.SetAttribute(context.Background(), "e1", f.def, nil, Target{DN: dn}, "title", "x", false)
	require.Error(t, err)
	assert.False(t, modified)
	assert.Equal(t, uint16(ldap.LDAPResultConstraintViolation), ldapclient.ResultCode(err))

	msgs := eventsOf[*event.SetAttributeMessage](f.events)
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Success)
}

func TestSetAttributeNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.connector.SetAttribute(context.Background(), "e1", f.def, nil, Target{DN: personDN("9", peopleDN)}, "title", "x", false)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}
