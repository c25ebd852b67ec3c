package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldap-connector/internal/directory"
)

const sampleConfig = `
connection:
  urls: [ldaps://ldap1.example.com, ldaps://ldap2.example.com:1636]
  base_dn: dc=example,dc=com
  bind_dn: cn=connector,ou=services,dc=example,dc=com
  bind_password: secret
  timeout: 10s
  pool:
    max_connections: 4
  retry:
    max_retries: 0
events:
  async: true
  poll_interval: 250ms
  queue_size: 64
object_definitions:
  people:
    object_class: inetOrgPerson
    base_dn: ou=people,dc=example,dc=com
    remove_duplicates: true
    append_only: [mail]
    server_managed: [pwdChangedTime]
    dynamic: [dn.ONCREATE, description.ONUPDATE]
  groups:
    object_class: groupOfUniqueNames
    primary_key: cn
    unique_identifier: nsUniqueId
    rejected_dn_prefixes: []
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)

	assert.True(t, cfg.Connection.UseTLS)
	assert.Equal(t, 30*time.Second, cfg.Connection.Timeout)
	assert.Equal(t, 10, cfg.Connection.Pool.MaxConnections)
	assert.Equal(t, 5*time.Minute, cfg.Connection.Pool.MaxIdleTime)
	assert.Equal(t, 3, cfg.Connection.Retry.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Connection.Retry.InitialBackoff)
	assert.InDelta(t, 2.0, cfg.Connection.Retry.BackoffFactor, 0.001)

	assert.False(t, cfg.Events.Async)
	assert.Equal(t, time.Second, cfg.Events.PollInterval)
	assert.Equal(t, 1024, cfg.Events.QueueSize)
	assert.Empty(t, cfg.ObjectDefinitions)
}

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"ldaps://ldap1.example.com", "ldaps://ldap2.example.com:1636"}, cfg.Connection.URLs)
	assert.Equal(t, 10*time.Second, cfg.Connection.Timeout)
	assert.Equal(t, 4, cfg.Connection.Pool.MaxConnections)
	assert.Equal(t, 0, cfg.Connection.Retry.MaxRetries, "explicit zero overrides the default")
	assert.Equal(t, 30*time.Second, cfg.Connection.Pool.HealthCheck)

	people := cfg.ObjectDefinitions["people"]
	require.NotNil(t, people)
	assert.Equal(t, "uid", people.PrimaryKey)
	assert.Equal(t, "entryUUID", people.UniqueIdentifier)
	assert.Equal(t, "uniqueMember", people.GroupAttribute)
	assert.Equal(t, "_", people.MetaPrefix)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse(strings.NewReader("connection: [unterminated"))
	assert.Error(t, err)

	_, err = Parse(strings.NewReader("events:\n  poll_interval: soon\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.ObjectDefinitions, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Events.QueueSize)
}

func TestApplyEnv(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	env := map[string]string{
		EnvURL:           "ldap://a.example.com, ldap://b.example.com",
		EnvBindDN:        "cn=other,dc=example,dc=com",
		EnvBindPassword:  "hunter2",
		EnvBaseDN:        "dc=example,dc=org",
		EnvUseTLS:        "false",
		EnvSkipTLSVerify: "",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, []string{"ldap://a.example.com", "ldap://b.example.com"}, cfg.Connection.URLs)
	assert.Equal(t, "cn=other,dc=example,dc=com", cfg.Connection.BindDN)
	assert.Equal(t, "hunter2", cfg.Connection.BindPassword)
	assert.Equal(t, "dc=example,dc=org", cfg.Connection.BaseDN)
	assert.False(t, cfg.Connection.UseTLS)
	assert.False(t, cfg.Connection.SkipTLSVerify)

	env[EnvSkipTLSVerify] = "sometimes"
	err = cfg.ApplyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvSkipTLSVerify)
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("LDAP_CONNECTOR_TEST_BASE_DN=dc=env,dc=example\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("LDAP_CONNECTOR_TEST_BASE_DN") })

	require.NoError(t, LoadEnvFiles(filepath.Join(dir, "missing.env"), path))
	assert.Equal(t, "dc=env,dc=example", os.Getenv("LDAP_CONNECTOR_TEST_BASE_DN"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "no server",
			mutate:  func(c *Config) { c.Connection.URLs = nil },
			wantErr: "urls or a domain",
		},
		{
			name:    "bad url",
			mutate:  func(c *Config) { c.Connection.URLs = []string{"http://example.com"} },
			wantErr: "unsupported scheme",
		},
		{
			name:    "bad base dn",
			mutate:  func(c *Config) { c.Connection.BaseDN = "not a dn" },
			wantErr: "base_dn",
		},
		{
			name:    "bind dn without password",
			mutate:  func(c *Config) { c.Connection.BindPassword = "" },
			wantErr: "bind_password",
		},
		{
			name:    "non-positive poll interval",
			mutate:  func(c *Config) { c.Events.PollInterval = 0 },
			wantErr: "poll_interval",
		},
		{
			name:    "missing object class",
			mutate:  func(c *Config) { c.ObjectDefinitions["people"].ObjectClass = "" },
			wantErr: "people: object_class is required",
		},
		{
			name: "missing base dn",
			mutate: func(c *Config) {
				c.Connection.BaseDN = ""
				c.ObjectDefinitions["groups"].BaseDN = ""
			},
			wantErr: "groups: base_dn is required",
		},
		{
			name:    "conflicting policies",
			mutate:  func(c *Config) { c.ObjectDefinitions["people"].InsertOnly = []string{"MAIL"} },
			wantErr: "both append_only and insert_only",
		},
		{
			name:    "malformed dynamic attribute",
			mutate:  func(c *Config) { c.ObjectDefinitions["people"].Dynamic = []string{"description"} },
			wantErr: "attribute.INDICATOR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse(strings.NewReader(sampleConfig))
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLDAPConfig(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	cfg.Connection.SkipTLSVerify = true

	ldapCfg := cfg.LDAPConfig()
	assert.Equal(t, cfg.Connection.URLs, ldapCfg.LDAPURLs)
	assert.Equal(t, "dc=example,dc=com", ldapCfg.BaseDN)
	assert.Equal(t, "cn=connector,ou=services,dc=example,dc=com", ldapCfg.Username)
	assert.Equal(t, "secret", ldapCfg.Password)
	assert.Equal(t, 10*time.Second, ldapCfg.Timeout)
	assert.Equal(t, 4, ldapCfg.MaxConnections)
	assert.Equal(t, 0, ldapCfg.MaxRetries)
	require.NotNil(t, ldapCfg.TLSConfig)
	assert.True(t, ldapCfg.TLSConfig.InsecureSkipVerify)
	assert.True(t, ldapCfg.HasAuthentication())
}

func TestEventOptions(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	opts := cfg.EventOptions()
	assert.True(t, opts.Async)
	assert.Equal(t, 250*time.Millisecond, opts.PollInterval)
	assert.Equal(t, 64, opts.QueueSize)
}

func TestDefinition(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	people, err := cfg.Definition("people")
	require.NoError(t, err)
	assert.Equal(t, "inetOrgPerson", people.ObjectClass())
	assert.Equal(t, "ou=people,dc=example,dc=com", people.BaseDN)
	assert.Equal(t, "uid", people.PrimaryKeyAttribute())
	assert.Equal(t, "entryUUID", people.UniqueIdentifierAttribute())
	assert.True(t, people.RemoveDuplicatePrimaryKeys())
	assert.True(t, people.IsAppendOnly("MAIL"))
	assert.True(t, people.IsDynamicAttribute("description.ONUPDATE"))
	assert.False(t, people.RenamingEnabled(), "dn.ONCREATE disables renaming")
	assert.False(t, people.AcceptAsExistingDN("entryUUID=1234,ou=people,dc=example,dc=com"))
	assert.True(t, people.IsServerManaged("pwdChangedTime"))
	assert.True(t, people.IsServerManaged("modifyTimestamp"), "defaults are kept")

	groups, err := cfg.Definition("groups")
	require.NoError(t, err)
	assert.Equal(t, "dc=example,dc=com", groups.BaseDN, "inherits the connection base DN")
	assert.Equal(t, "cn", groups.PrimaryKeyAttribute())
	assert.Equal(t, "nsUniqueId", groups.UniqueIdentifierAttribute())
	assert.True(t, groups.AcceptAsExistingDN("entryUUID=1234,ou=groups,dc=example,dc=com"), "empty rejected prefixes accept everything")

	var _ directory.ObjectDefinition = groups

	_, err = cfg.Definition("unknown")
	assert.ErrorIs(t, err, ErrInvalid)
}
