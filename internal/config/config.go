// Package config loads the connector configuration from YAML, applies
// defaults from struct tags and overlays LDAP_* environment variables,
// optionally read from a .env file.
package config

import (
	"bytes"
	"cmp"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-ldap/ldap/v3"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/isometry/ldap-connector/internal/directory"
	"github.com/isometry/ldap-connector/internal/event"
	ldapclient "github.com/isometry/ldap-connector/internal/ldap"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Environment variables that override file values.
const (
	EnvURL           = "LDAP_URL"
	EnvDomain        = "LDAP_DOMAIN"
	EnvBindDN        = "LDAP_BIND_DN"
	EnvBindPassword  = "LDAP_BIND_PASSWORD"
	EnvBaseDN        = "LDAP_BASE_DN"
	EnvUseTLS        = "LDAP_USE_TLS"
	EnvSkipTLSVerify = "LDAP_SKIP_TLS_VERIFY"
	EnvKerberosRealm = "LDAP_KERBEROS_REALM"
)

// Config is the top-level configuration.
type Config struct {
	Connection        ConnectionConfig                   `yaml:"connection"`
	Events            EventsConfig                       `yaml:"events"`
	ObjectDefinitions map[string]*ObjectDefinitionConfig `yaml:"object_definitions"`
}

// ConnectionConfig describes how to reach and bind to the directory.
type ConnectionConfig struct {
	URLs          []string       `yaml:"urls"`
	Domain        string         `yaml:"domain"`
	BaseDN        string         `yaml:"base_dn"`
	BindDN        string         `yaml:"bind_dn"`
	BindPassword  string         `yaml:"bind_password"`
	UseTLS        bool           `yaml:"use_tls" default:"true"`
	SkipTLSVerify bool           `yaml:"skip_tls_verify"`
	Timeout       time.Duration  `yaml:"timeout" default:"30s"`
	Pool          PoolConfig     `yaml:"pool"`
	Retry         RetryConfig    `yaml:"retry"`
	Kerberos      KerberosConfig `yaml:"kerberos"`
}

type PoolConfig struct {
	MaxConnections int           `yaml:"max_connections" default:"10"`
	MaxIdleTime    time.Duration `yaml:"max_idle_time" default:"5m"`
	HealthCheck    time.Duration `yaml:"health_check" default:"30s"`
}

type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries" default:"3"`
	InitialBackoff time.Duration `yaml:"initial_backoff" default:"500ms"`
	MaxBackoff     time.Duration `yaml:"max_backoff" default:"30s"`
	BackoffFactor  float64       `yaml:"backoff_factor" default:"2.0"`
}

type KerberosConfig struct {
	Realm  string `yaml:"realm"`
	Keytab string `yaml:"keytab"`
	Config string `yaml:"config"`
	CCache string `yaml:"ccache"`
	SPN    string `yaml:"spn"`
}

// EventsConfig selects the event delivery mode.
type EventsConfig struct {
	Async        bool          `yaml:"async"`
	PollInterval time.Duration `yaml:"poll_interval" default:"1s"`
	QueueSize    int           `yaml:"queue_size" default:"1024"`
}

// ObjectDefinitionConfig is the file form of a directory.UIDObjectDefinition.
// BaseDN defaults to the connection base DN.
type ObjectDefinitionConfig struct {
	ObjectClass        string   `yaml:"object_class"`
	BaseDN             string   `yaml:"base_dn"`
	PrimaryKey         string   `yaml:"primary_key" default:"uid"`
	UniqueIdentifier   string   `yaml:"unique_identifier" default:"entryUUID"`
	KeepExisting       bool     `yaml:"keep_existing_attributes"`
	RemoveDuplicates   bool     `yaml:"remove_duplicates"`
	DisableRenaming    bool     `yaml:"disable_renaming"`
	DNCaseSensitive    bool     `yaml:"dn_case_sensitive"`
	AppendOnly         []string `yaml:"append_only"`
	InsertOnly         []string `yaml:"insert_only"`
	UpdateOnly         []string `yaml:"update_only"`
	Dynamic            []string `yaml:"dynamic"`
	GroupAttribute     string   `yaml:"group_attribute" default:"uniqueMember"`
	MetaPrefix         string   `yaml:"meta_prefix" default:"_"`
	RejectedDNPrefixes []string `yaml:"rejected_dn_prefixes"`

	// ServerManaged extends directory.DefaultServerManagedAttributes.
	ServerManaged []string `yaml:"server_managed"`
}

// Load reads the YAML file at path. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Parse(bytes.NewReader(nil))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse decodes YAML from r on top of the defaults.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set default values: %w", err)
	}

	if err := yaml.NewDecoder(r).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	for name, def := range cfg.ObjectDefinitions {
		if def == nil {
			def = &ObjectDefinitionConfig{}
			cfg.ObjectDefinitions[name] = def
		}
		if err := defaults.Set(def); err != nil {
			return nil, fmt.Errorf("object definition %s: failed to set default values: %w", name, err)
		}
	}

	return cfg, nil
}

// LoadEnvFiles loads .env style files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnvFiles(files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// ApplyEnv overlays the LDAP_* variables found by lookup. Pass
// os.LookupEnv for the process environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	conn := &c.Connection

	if v, ok := lookup(EnvURL); ok && v != "" {
		conn.URLs = splitList(v)
	}
	if v, ok := lookup(EnvDomain); ok && v != "" {
		conn.Domain = v
	}
	if v, ok := lookup(EnvBindDN); ok && v != "" {
		conn.BindDN = v
	}
	if v, ok := lookup(EnvBindPassword); ok && v != "" {
		conn.BindPassword = v
	}
	if v, ok := lookup(EnvBaseDN); ok && v != "" {
		conn.BaseDN = v
	}
	if v, ok := lookup(EnvKerberosRealm); ok && v != "" {
		conn.Kerberos.Realm = v
	}

	var errs []error
	if v, ok := lookup(EnvUseTLS); ok && v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvUseTLS, err))
		} else {
			conn.UseTLS = parsed
		}
	}
	if v, ok := lookup(EnvSkipTLSVerify); ok && v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvSkipTLSVerify, err))
		} else {
			conn.SkipTLSVerify = parsed
		}
	}

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for item := range strings.SplitSeq(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate reports every problem found, each wrapping ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	conn := c.Connection
	if len(conn.URLs) == 0 && conn.Domain == "" {
		invalid("connection requires urls or a domain for SRV discovery")
	}
	for _, u := range conn.URLs {
		if _, err := ldapclient.ParseLDAPURL(u); err != nil {
			invalid("connection url %q: %v", u, err)
		}
	}
	if conn.BaseDN != "" {
		if _, err := ldap.ParseDN(conn.BaseDN); err != nil {
			invalid("connection base_dn %q: %v", conn.BaseDN, err)
		}
	}
	if conn.BindDN != "" && conn.BindPassword == "" && conn.Kerberos.Realm == "" {
		invalid("connection bind_dn requires bind_password or a kerberos realm")
	}
	if conn.Kerberos.Realm != "" && conn.Kerberos.Keytab == "" && conn.Kerberos.CCache == "" && conn.BindDN == "" {
		invalid("kerberos requires a keytab, a credential cache or a principal in bind_dn")
	}

	if c.Events.Async {
		if c.Events.PollInterval <= 0 {
			invalid("events poll_interval must be positive")
		}
		if c.Events.QueueSize < 0 {
			invalid("events queue_size cannot be negative")
		}
	}

	for _, name := range slices.Sorted(maps.Keys(c.ObjectDefinitions)) {
		if err := c.ObjectDefinitions[name].validate(conn.BaseDN); err != nil {
			invalid("object definition %s: %v", name, err)
		}
	}

	return errors.Join(errs...)
}

func (d *ObjectDefinitionConfig) validate(defaultBaseDN string) error {
	if d.ObjectClass == "" {
		return errors.New("object_class is required")
	}

	baseDN := cmp.Or(d.BaseDN, defaultBaseDN)
	if baseDN == "" {
		return errors.New("base_dn is required when the connection has none")
	}
	if _, err := ldap.ParseDN(baseDN); err != nil {
		return fmt.Errorf("base_dn %q: %w", baseDN, err)
	}

	for _, name := range d.AppendOnly {
		if containsFold(d.InsertOnly, name) {
			return fmt.Errorf("attribute %s cannot be both append_only and insert_only", name)
		}
	}
	for _, name := range d.InsertOnly {
		if containsFold(d.UpdateOnly, name) {
			return fmt.Errorf("attribute %s cannot be both insert_only and update_only", name)
		}
	}
	for _, name := range d.Dynamic {
		if _, _, ok := directory.SplitDynamicName(name); !ok {
			return fmt.Errorf("dynamic attribute %q must have the form attribute.INDICATOR", name)
		}
	}
	return nil
}

// LDAPConfig builds the directory client configuration.
func (c *Config) LDAPConfig() *ldapclient.ConnectionConfig {
	conn := c.Connection
	cfg := ldapclient.DefaultConfig()

	cfg.Domain = conn.Domain
	cfg.LDAPURLs = slices.Clone(conn.URLs)
	cfg.BaseDN = conn.BaseDN
	cfg.Username = conn.BindDN
	cfg.Password = conn.BindPassword
	cfg.UseTLS = conn.UseTLS

	if conn.SkipTLSVerify {
		if cfg.TLSConfig == nil {
			cfg.TLSConfig = &tls.Config{}
		}
		cfg.TLSConfig.InsecureSkipVerify = true
	}

	cfg.KerberosRealm = conn.Kerberos.Realm
	cfg.KerberosKeytab = conn.Kerberos.Keytab
	cfg.KerberosConfig = conn.Kerberos.Config
	cfg.KerberosCCache = conn.Kerberos.CCache
	cfg.KerberosSPN = conn.Kerberos.SPN

	if conn.Timeout > 0 {
		cfg.Timeout = conn.Timeout
	}
	if conn.Pool.MaxConnections > 0 {
		cfg.MaxConnections = conn.Pool.MaxConnections
	}
	if conn.Pool.MaxIdleTime > 0 {
		cfg.MaxIdleTime = conn.Pool.MaxIdleTime
	}
	if conn.Pool.HealthCheck > 0 {
		cfg.HealthCheck = conn.Pool.HealthCheck
	}
	if conn.Retry.MaxRetries >= 0 {
		cfg.MaxRetries = conn.Retry.MaxRetries
	}
	if conn.Retry.InitialBackoff > 0 {
		cfg.InitialBackoff = conn.Retry.InitialBackoff
	}
	if conn.Retry.MaxBackoff > 0 {
		cfg.MaxBackoff = conn.Retry.MaxBackoff
	}
	if conn.Retry.BackoffFactor > 0 {
		cfg.BackoffFactor = conn.Retry.BackoffFactor
	}

	return cfg
}

// EventOptions builds the dispatcher options.
func (c *Config) EventOptions() event.Options {
	return event.Options{
		Async:        c.Events.Async,
		PollInterval: c.Events.PollInterval,
		QueueSize:    c.Events.QueueSize,
	}
}

// Definition builds the named object definition.
func (c *Config) Definition(name string) (*directory.UIDObjectDefinition, error) {
	d, ok := c.ObjectDefinitions[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown object definition %q", ErrInvalid, name)
	}

	def := directory.NewUIDObjectDefinition(d.ObjectClass, cmp.Or(d.BaseDN, c.Connection.BaseDN))
	def.PrimaryKeyAttr = d.PrimaryKey
	def.UniqueIdentifierAttr = d.UniqueIdentifier
	def.KeepExisting = d.KeepExisting
	def.RemoveDuplicates = d.RemoveDuplicates
	def.DisableRenaming = d.DisableRenaming
	def.DNIsCaseSensitive = d.DNCaseSensitive
	def.AppendOnly = slices.Clone(d.AppendOnly)
	def.InsertOnly = slices.Clone(d.InsertOnly)
	def.UpdateOnly = slices.Clone(d.UpdateOnly)
	def.Dynamic = slices.Clone(d.Dynamic)
	def.GroupAttribute = d.GroupAttribute
	def.MetaPrefix = d.MetaPrefix
	if d.RejectedDNPrefixes != nil {
		def.RejectedDNPrefixes = slices.Clone(d.RejectedDNPrefixes)
	}
	def.ServerManaged = append(def.ServerManaged, d.ServerManaged...)

	return def, nil
}

func containsFold(names []string, name string) bool {
	return slices.ContainsFunc(names, func(n string) bool { return strings.EqualFold(n, name) })
}
