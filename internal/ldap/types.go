package ldap

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ConnectionConfig describes how the pool reaches and authenticates to the
// directory. Either LDAPURLs or Domain must be set; URLs win when both are.
type ConnectionConfig struct {
	Domain   string
	LDAPURLs []string
	BaseDN   string
	Timeout  time.Duration

	// Username is a bind DN or UPN for simple binds and the client
	// principal for GSSAPI. GSSAPI is used once KerberosRealm is set.
	Username       string
	Password       string
	KerberosRealm  string
	KerberosKeytab string
	KerberosConfig string
	KerberosCCache string
	KerberosSPN    string

	// UseTLS upgrades ldap:// connections with StartTLS. SkipTLS disables
	// both StartTLS and certificate verification.
	TLSConfig *tls.Config
	UseTLS    bool
	SkipTLS   bool

	MaxConnections int
	MaxIdleTime    time.Duration
	HealthCheck    time.Duration

	// Failed operations are retried MaxRetries times, sleeping
	// InitialBackoff * BackoffFactor^n capped at MaxBackoff.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultConfig returns the settings used when a field is left unset.
func DefaultConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Timeout:        30 * time.Second,
		UseTLS:         true,
		MaxConnections: 10,
		MaxIdleTime:    5 * time.Minute,
		HealthCheck:    30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		TLSConfig:      &tls.Config{MinVersion: tls.VersionTLS12},
	}
}

// ServerInfo is one candidate directory server and where it was learned.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	Priority int
	Weight   int
	Source   string // "srv", "config", "fallback"
}

// ConnectionPool hands out authenticated connections. Connections go back
// to the pool when closed.
type ConnectionPool interface {
	Get(ctx context.Context) (*PooledConnection, error)
	Close() error
	Stats() PoolStats
}

// PoolStats is a point-in-time snapshot of pool counters.
type PoolStats struct {
	Total   int
	Active  int64
	Idle    int
	Created int64
	Errors  int64
	Uptime  time.Duration
}

// Client is the pooled directory client.
type Client interface {
	Connect(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error
	Stats() PoolStats

	// Session checks out one connection for a sequence of operations.
	// The connection is returned to the pool by Session.Close.
	Session(ctx context.Context) (Session, error)
}

// Session is a sequence of directory operations issued against a single
// connection. It is not safe for concurrent use.
type Session interface {
	// Find runs a query and returns all matching entries.
	Find(ctx context.Context, q *Query) ([]*ldap.Entry, error)

	// Lookup reads one entry by DN. A missing entry returns (nil, nil).
	Lookup(ctx context.Context, dn string, attributes ...string) (*ldap.Entry, error)

	// Children returns the immediate subordinates of dn.
	Children(ctx context.Context, dn string) ([]*ldap.Entry, error)

	Add(ctx context.Context, req *AddRequest) error
	Modify(ctx context.Context, req *ModifyRequest) error
	Rename(ctx context.Context, oldDN, newDN string) error
	Delete(ctx context.Context, dn string) error

	// Close releases the underlying connection.
	Close()
}

// SearchRequest is a search as issued on the wire. A zero SizeLimit means
// no limit.
type SearchRequest struct {
	BaseDN     string
	Scope      SearchScope
	Filter     string
	Attributes []string
	SizeLimit  int
}

// AddRequest encapsulates LDAP add parameters.
type AddRequest struct {
	DN         string
	Attributes map[string][]string
}

// ModOperation is the kind of a single attribute modification.
type ModOperation int

const (
	ModAdd ModOperation = iota
	ModDelete
	ModReplace
)

// String returns the LDIF keyword for the operation.
func (o ModOperation) String() string {
	switch o {
	case ModAdd:
		return "add"
	case ModDelete:
		return "delete"
	case ModReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Change is one attribute modification. A ModDelete with no values removes
// the whole attribute.
type Change struct {
	Operation ModOperation
	Attribute string
	Values    []string
}

// ModifyRequest encapsulates an ordered list of modifications to one entry.
type ModifyRequest struct {
	DN      string
	Changes []Change
}

// SearchScope mirrors the protocol scope values so it converts directly.
type SearchScope int

const (
	ScopeBaseObject SearchScope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

var scopeNames = [...]string{"base", "one", "sub"}

func (s SearchScope) String() string {
	if s < 0 || int(s) >= len(scopeNames) {
		return "unknown"
	}
	return scopeNames[s]
}

// AuthMethod is how pooled connections bind.
type AuthMethod int

const (
	AuthMethodSimpleBind AuthMethod = iota
	AuthMethodKerberos
	AuthMethodAnonymous
)

var authMethodNames = [...]string{"simple", "kerberos", "anonymous"}

func (a AuthMethod) String() string {
	if a < 0 || int(a) >= len(authMethodNames) {
		return "unknown"
	}
	return authMethodNames[a]
}

// GetAuthMethod picks GSSAPI when a realm and some credential are
// configured, a simple bind when only a username is, and anonymous otherwise.
func (c *ConnectionConfig) GetAuthMethod() AuthMethod {
	switch {
	case c.KerberosRealm != "" && (c.KerberosKeytab != "" || c.Username != ""):
		return AuthMethodKerberos
	case c.Username != "":
		return AuthMethodSimpleBind
	default:
		return AuthMethodAnonymous
	}
}

// HasAuthentication reports whether connections bind at all.
func (c *ConnectionConfig) HasAuthentication() bool {
	return c.GetAuthMethod() != AuthMethodAnonymous
}

// RetryableError is implemented by errors that know whether the failed
// operation may succeed on another attempt.
type RetryableError interface {
	error
	IsRetryable() bool
}

// ConnectionError is a failure to obtain a usable connection.
type ConnectionError struct {
	message   string
	retryable bool
	cause     error
}

// NewConnectionError returns a ConnectionError wrapping cause, which may be nil.
func NewConnectionError(message string, retryable bool, cause error) *ConnectionError {
	return &ConnectionError{message: message, retryable: retryable, cause: cause}
}

func (e *ConnectionError) Error() string {
	if e.cause == nil {
		return e.message
	}
	return e.message + ": " + e.cause.Error()
}

func (e *ConnectionError) IsRetryable() bool { return e.retryable }

func (e *ConnectionError) Unwrap() error { return e.cause }
