package ldap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionConfig_GetAuthMethod(t *testing.T) {
	tests := []struct {
		name   string
		config ConnectionConfig
		want   AuthMethod
	}{
		{
			name:   "anonymous",
			config: ConnectionConfig{},
			want:   AuthMethodAnonymous,
		},
		{
			name:   "simple bind",
			config: ConnectionConfig{Username: "cn=admin,dc=example,dc=com", Password: "secret"},
			want:   AuthMethodSimpleBind,
		},
		{
			name:   "kerberos with principal",
			config: ConnectionConfig{Username: "svc", KerberosRealm: "EXAMPLE.COM"},
			want:   AuthMethodKerberos,
		},
		{
			name:   "kerberos with keytab only",
			config: ConnectionConfig{KerberosRealm: "EXAMPLE.COM", KerberosKeytab: "/etc/svc.keytab"},
			want:   AuthMethodKerberos,
		},
		{
			name:   "realm without credentials",
			config: ConnectionConfig{KerberosRealm: "EXAMPLE.COM"},
			want:   AuthMethodAnonymous,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.config.GetAuthMethod()
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want != AuthMethodAnonymous, tt.config.HasAuthentication())
		})
	}
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "simple", AuthMethodSimpleBind.String())
	assert.Equal(t, "kerberos", AuthMethodKerberos.String())
	assert.Equal(t, "anonymous", AuthMethodAnonymous.String())
	assert.Equal(t, "unknown", AuthMethod(42).String())

	assert.Equal(t, "add", ModAdd.String())
	assert.Equal(t, "delete", ModDelete.String())
	assert.Equal(t, "replace", ModReplace.String())
	assert.Equal(t, "unknown", ModOperation(9).String())

	assert.Equal(t, "base", ScopeBaseObject.String())
	assert.Equal(t, "one", ScopeSingleLevel.String())
	assert.Equal(t, "sub", ScopeWholeSubtree.String())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.True(t, cfg.UseTLS)
	assert.NotNil(t, cfg.TLSConfig)
	assert.Equal(t, AuthMethodAnonymous, cfg.GetAuthMethod())
	assert.NoError(t, validateConfig(cfg))
}

func TestConnectionError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewConnectionError("dial ldap://localhost:389", true, cause)

	assert.Equal(t, "dial ldap://localhost:389: connection refused", err.Error())
	assert.True(t, err.IsRetryable())
	assert.ErrorIs(t, err, cause)

	bare := NewConnectionError("pool closed", false, nil)
	assert.Equal(t, "pool closed", bare.Error())
	assert.False(t, IsRetryableError(bare))
}
