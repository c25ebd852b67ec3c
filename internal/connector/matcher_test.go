package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldap-connector/internal/directory"
	ldapclient "github.com/isometry/ldap-connector/internal/ldap"
)

// dnOnlyDefinition disables primary key search.
type dnOnlyDefinition struct {
	*directory.UIDObjectDefinition
}

func (dnOnlyDefinition) QueryForPrimaryKey(string) *ldapclient.Query { return nil }

func TestMatchEntry(t *testing.T) {
	seedAttrs := func(uid, parent string) (string, map[string][]string) {
		return personDN(uid, parent), map[string][]string{
			"objectClass": {"inetOrgPerson"},
			"uid":         {uid},
		}
	}

	tests := []struct {
		name           string
		seed           []string // parents of uid=1 entries
		requestDN      string
		useUniqueIDOf  string // DN whose entryUUID is supplied
		wantMethod     directory.FoundObjectMethod
		wantDN         string
		wantDuplicates int
	}{
		{
			name:       "nothing found",
			requestDN:  personDN("1", peopleDN),
			wantMethod: directory.NotFound,
		},
		{
			name:       "single match at requested dn",
			seed:       []string{peopleDN},
			requestDN:  personDN("1", peopleDN),
			wantMethod: directory.ByDNMatchedKey,
			wantDN:     personDN("1", peopleDN),
		},
		{
			name:       "requested dn compares case-insensitively",
			seed:       []string{peopleDN},
			requestDN:  "UID=1,OU=People,DC=example,DC=com",
			wantMethod: directory.ByDNMatchedKey,
			wantDN:     personDN("1", peopleDN),
		},
		{
			name:       "single match elsewhere",
			seed:       []string{peopleDN},
			requestDN:  personDN("1", expiredDN),
			wantMethod: directory.ByMatchedKeyDNMismatch,
			wantDN:     personDN("1", peopleDN),
		},
		{
			name:       "single match without dn",
			seed:       []string{peopleDN},
			wantMethod: directory.ByMatchedKeyDNNotProvided,
			wantDN:     personDN("1", peopleDN),
		},
		{
			name:           "dn match wins over duplicates",
			seed:           []string{peopleDN, expiredDN},
			requestDN:      personDN("1", peopleDN),
			wantMethod:     directory.ByDNMatchedKey,
			wantDN:         personDN("1", peopleDN),
			wantDuplicates: 1,
		},
		{
			name:           "unique identifier breaks the tie",
			seed:           []string{expiredDN, peopleDN},
			requestDN:      personDN("1", "ou=new,"+baseDN),
			useUniqueIDOf:  personDN("1", peopleDN),
			wantMethod:     directory.ByMatchedKeyDNMismatch,
			wantDN:         personDN("1", peopleDN),
			wantDuplicates: 1,
		},
		{
			name:           "first accepted among ambiguous matches",
			seed:           []string{expiredDN, peopleDN},
			requestDN:      personDN("1", "ou=new,"+baseDN),
			wantMethod:     directory.ByFirstFound,
			wantDN:         personDN("1", expiredDN),
			wantDuplicates: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := newFakeDirectory()
			for _, parent := range tt.seed {
				dn, attrs := seedAttrs("1", parent)
				dir.seed(dn, attrs)
			}

			var uniqueID string
			if tt.useUniqueIDOf != "" {
				uniqueID = dir.values(tt.useUniqueIDOf, "entryUUID")[0]
			}

			sess, _ := dir.Session(context.Background())
			def := directory.NewUIDObjectDefinition("inetOrgPerson", baseDN)

			match, err := matchEntry(context.Background(), sess, def, "1", tt.requestDN, uniqueID)
			require.NoError(t, err)

			assert.Equal(t, tt.wantMethod, match.FoundMethod)
			assert.Len(t, match.Duplicates, tt.wantDuplicates)
			if tt.wantDN == "" {
				assert.False(t, match.Found())
				return
			}
			require.True(t, match.Found())
			assert.Equal(t, tt.wantDN, match.Entry.DN)
			assert.NotEmpty(t, match.Entry.UniqueIdentifier(def))
		})
	}
}

func TestMatchEntryRejectsReplicationArtifacts(t *testing.T) {
	dir := newFakeDirectory()
	artifact := "entryUUID=3f2504e0-4f89-11d3-9a0c-0305e82c3301," + peopleDN
	dir.seed(artifact, map[string][]string{"objectClass": {"inetOrgPerson"}, "uid": {"1"}})

	sess, _ := dir.Session(context.Background())
	def := directory.NewUIDObjectDefinition("inetOrgPerson", baseDN)

	match, err := matchEntry(context.Background(), sess, def, "1", personDN("1", peopleDN), "")
	require.NoError(t, err)
	assert.False(t, match.Found())
	require.Len(t, match.Duplicates, 1)
	assert.Equal(t, artifact, match.Duplicates[0].DN)

	// The real entry appears alongside the artifact.
	dir.seed(personDN("1", expiredDN), map[string][]string{"objectClass": {"inetOrgPerson"}, "uid": {"1"}})
	match, err = matchEntry(context.Background(), sess, def, "1", personDN("1", peopleDN), "")
	require.NoError(t, err)
	assert.Equal(t, directory.ByFirstFound, match.FoundMethod)
	assert.Equal(t, personDN("1", expiredDN), match.Entry.DN)
}

func TestMatchEntryByDNWithMismatchedKey(t *testing.T) {
	dir := newFakeDirectory()
	dn := personDN("1", peopleDN)
	dir.seed(dn, map[string][]string{"objectClass": {"inetOrgPerson"}, "uid": {"other"}})

	sess, _ := dir.Session(context.Background())
	def := directory.NewUIDObjectDefinition("inetOrgPerson", baseDN)

	match, err := matchEntry(context.Background(), sess, def, "1", dn, "")
	require.NoError(t, err)
	assert.Equal(t, directory.ByDNMismatchedKeys, match.FoundMethod)
	assert.Equal(t, dn, match.Entry.DN)
	assert.Empty(t, match.Duplicates)
}

func TestMatchEntryWithoutPrimaryKeySearch(t *testing.T) {
	dir := newFakeDirectory()
	dir.seed(personDN("1", expiredDN), map[string][]string{"objectClass": {"inetOrgPerson"}, "uid": {"1"}})

	sess, _ := dir.Session(context.Background())
	def := dnOnlyDefinition{directory.NewUIDObjectDefinition("inetOrgPerson", baseDN)}

	match, err := matchEntry(context.Background(), sess, def, "1", personDN("1", peopleDN), "")
	require.NoError(t, err)
	assert.False(t, match.Found())

	match, err = matchEntry(context.Background(), sess, def, "1", personDN("1", expiredDN), "")
	require.NoError(t, err)
	assert.Equal(t, directory.ByDNMismatchedKeys, match.FoundMethod)
}
