package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// MaxConnectionPoolLimit is the maximum allowed connections in a pool.
const MaxConnectionPoolLimit = 100

// maxAuthAge bounds how long a bind is trusted before a pooled connection
// is re-authenticated.
const maxAuthAge = 5 * time.Minute

// healthCheckBatch is the number of idle connections probed per tick.
const healthCheckBatch = 3

var errPoolClosed = errors.New("connection pool is closed")

// PooledConnection is one directory connection owned by a pool. Close hands
// it back.
type PooledConnection struct {
	conn   *ldap.Conn
	server *ServerInfo

	lastUsed      time.Time
	healthy       bool
	authenticated bool
	authTime      time.Time

	returnToPool func(*PooledConnection)
}

// Close returns the connection to its pool.
func (pc *PooledConnection) Close() {
	if pc.returnToPool != nil {
		pc.returnToPool(pc)
	}
}

func (pc *PooledConnection) Conn() *ldap.Conn {
	return pc.conn
}

func (pc *PooledConnection) ServerInfo() *ServerInfo {
	return pc.server
}

// markBroken prevents the connection from being reused.
func (pc *PooledConnection) markBroken() {
	pc.healthy = false
}

// needsReAuthentication reports whether a connection's bind is missing or stale.
func needsReAuthentication(pc *PooledConnection) bool {
	if pc == nil || !pc.authenticated {
		return true
	}
	return time.Since(pc.authTime) > maxAuthAge
}

type poolCounters struct {
	active  atomic.Int64
	created atomic.Int64
	errors  atomic.Int64
}

// connectionPool keeps up to MaxConnections idle connections. Connections
// beyond that are opened on demand and closed on release.
type connectionPool struct {
	ctx     context.Context // carries the pool logging subsystem
	config  *ConnectionConfig
	servers []*ServerInfo
	idle    chan *PooledConnection

	mu     sync.RWMutex
	closed bool

	counters poolCounters
	started  time.Time

	stopHealth chan struct{}
	healthDone sync.WaitGroup
}

// NewConnectionPool resolves the server list and returns an empty pool.
// No connection is opened until the first Get.
func NewConnectionPool(ctx context.Context, config *ConnectionConfig) (ConnectionPool, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := validateConfig(config); err != nil {
		LogPoolEvent(ctx, "pool_creation_failed", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	servers, err := resolveServers(ctx, config)
	if err != nil {
		LogPoolEvent(ctx, "pool_creation_failed", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("server discovery failed: %w", err)
	}

	p := &connectionPool{
		ctx:     ctx,
		config:  config,
		servers: servers,
		idle:    make(chan *PooledConnection, config.MaxConnections),
		started: time.Now(),
	}

	if config.HealthCheck > 0 {
		p.stopHealth = make(chan struct{})
		p.healthDone.Go(p.healthLoop)
	}

	LogPoolEvent(ctx, "pool_initialized", map[string]any{
		"server_count":    len(servers),
		"max_connections": config.MaxConnections,
	})
	return p, nil
}

// resolveServers returns the configured URLs in order, or the SRV records
// for the configured domain.
func resolveServers(ctx context.Context, config *ConnectionConfig) ([]*ServerInfo, error) {
	var servers []*ServerInfo

	switch {
	case len(config.LDAPURLs) > 0:
		for _, u := range config.LDAPURLs {
			server, err := ParseLDAPURL(u)
			if err != nil {
				return nil, fmt.Errorf("invalid LDAP URL %s: %w", u, err)
			}
			servers = append(servers, server)
		}
	case config.Domain != "":
		discoveryCtx, cancel := context.WithTimeout(ctx, config.Timeout)
		defer cancel()

		discovered, err := NewSRVDiscovery().DiscoverServers(discoveryCtx, config.Domain)
		if err != nil {
			return nil, err
		}
		servers = discovered
	default:
		return nil, errors.New("either domain or LDAP URLs must be specified")
	}

	if len(servers) == 0 {
		return nil, errors.New("no servers discovered")
	}

	tflog.SubsystemDebug(ctx, SubsystemPool, "Server list resolved", map[string]any{
		"server_count": len(servers),
		"first_server": ServerInfoToURL(servers[0]),
	})
	return servers, nil
}

func (p *connectionPool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Get returns an idle connection when one is still usable, otherwise opens
// a new one. Stale idle connections are discarded on the way.
func (p *connectionPool) Get(ctx context.Context) (*PooledConnection, error) {
	if p.isClosed() {
		return nil, errPoolClosed
	}

	for {
		select {
		case pc, ok := <-p.idle:
			if !ok {
				return nil, errPoolClosed
			}
			if !p.reusable(ctx, pc) {
				p.discard(pc)
				continue
			}
			pc.lastUsed = time.Now()
			p.counters.active.Add(1)
			LogPoolEvent(p.ctx, "connection_acquired", map[string]any{"reused": true})
			return pc, nil
		default:
			return p.open(ctx)
		}
	}
}

// reusable checks an idle connection and refreshes a stale bind.
func (p *connectionPool) reusable(ctx context.Context, pc *PooledConnection) bool {
	if !p.healthy(pc) {
		return false
	}
	if p.config.HasAuthentication() && needsReAuthentication(pc) {
		return p.bind(ctx, pc) == nil
	}
	return true
}

// open dials the servers in order, retrying the whole list with
// exponential backoff.
func (p *connectionPool) open(ctx context.Context) (*PooledConnection, error) {
	backoff := p.config.InitialBackoff
	var lastErr error

	for attempt := 0; ; attempt++ {
		for _, server := range p.servers {
			pc, err := p.dial(ctx, server)
			if err != nil {
				lastErr = err
				p.counters.errors.Add(1)
				LogPoolEvent(p.ctx, "connection_failed", map[string]any{
					"server":  ServerInfoToURL(server),
					"attempt": attempt,
					"error":   err.Error(),
				})
				continue
			}

			p.counters.created.Add(1)
			p.counters.active.Add(1)
			LogPoolEvent(p.ctx, "connection_acquired", map[string]any{
				"reused": false,
				"server": ServerInfoToURL(server),
			})
			return pc, nil
		}

		if attempt >= p.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(time.Duration(float64(backoff)*p.config.BackoffFactor), p.config.MaxBackoff)
	}

	LogPoolEvent(p.ctx, "all_connections_failed", map[string]any{"error": fmt.Sprint(lastErr)})
	return nil, NewConnectionError("no directory server reachable", true, lastErr)
}

// dial connects to one server, upgrades plain connections with StartTLS
// when configured and binds.
func (p *connectionPool) dial(ctx context.Context, server *ServerInfo) (*PooledConnection, error) {
	url := ServerInfoToURL(server)

	opts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: p.config.Timeout})}
	if server.UseTLS {
		opts = append(opts, ldap.DialWithTLSConfig(p.tlsConfig(server)))
	}

	conn, err := ldap.DialURL(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	if !server.UseTLS && p.config.UseTLS && !p.config.SkipTLS {
		if err := conn.StartTLS(p.tlsConfig(server)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("StartTLS with %s failed: %w", url, err)
		}
	}

	conn.SetTimeout(p.config.Timeout)

	pc := &PooledConnection{
		conn:         conn,
		server:       server,
		lastUsed:     time.Now(),
		healthy:      true,
		returnToPool: p.release,
	}

	if p.config.HasAuthentication() {
		if err := p.bind(ctx, pc); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to authenticate to %s: %w", url, err)
		}
	}

	return pc, nil
}

// tlsConfig returns the configured TLS settings with ServerName defaulted
// to the server host, which StartTLS requires for verification.
func (p *connectionPool) tlsConfig(server *ServerInfo) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if p.config.TLSConfig != nil {
		cfg = p.config.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = server.Host
	}
	return cfg
}

// bind authenticates pc with the configured method.
func (p *connectionPool) bind(ctx context.Context, pc *PooledConnection) error {
	if pc == nil || pc.conn == nil {
		return errors.New("connection is nil")
	}

	method := p.config.GetAuthMethod()

	var err error
	switch method {
	case AuthMethodSimpleBind:
		err = pc.conn.Bind(p.config.Username, p.config.Password)
	case AuthMethodKerberos:
		err = performKerberosAuth(ctx, pc.conn, p.config, pc.server)
	default:
		return fmt.Errorf("unsupported authentication method: %s", method)
	}

	if err != nil {
		pc.authenticated = false
		pc.authTime = time.Time{}
		LogConnectionEvent(p.ctx, "authentication_failed", map[string]any{
			"auth_method": method.String(),
			"server":      ServerInfoToURL(pc.server),
			"error":       err.Error(),
		})
		return err
	}

	pc.authenticated = true
	pc.authTime = time.Now()
	LogConnectionEvent(p.ctx, "authentication_success", map[string]any{
		"auth_method": method.String(),
		"server":      ServerInfoToURL(pc.server),
	})
	return nil
}

// release is installed as PooledConnection.returnToPool.
func (p *connectionPool) release(pc *PooledConnection) {
	if pc == nil {
		return
	}
	p.counters.active.Add(-1)
	p.put(pc)
}

// put parks pc as idle, or closes it when the pool is closed or full or
// the connection is no longer healthy.
func (p *connectionPool) put(pc *PooledConnection) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || !p.healthy(pc) {
		p.discard(pc)
		return
	}

	select {
	case p.idle <- pc:
		LogPoolEvent(p.ctx, "connection_released", nil)
	default:
		p.discard(pc)
	}
}

func (p *connectionPool) healthy(pc *PooledConnection) bool {
	switch {
	case pc == nil || pc.conn == nil || !pc.healthy:
		return false
	case pc.conn.IsClosing():
		return false
	case time.Since(pc.lastUsed) > p.config.MaxIdleTime:
		return false
	case p.config.HasAuthentication() && !pc.authenticated:
		return false
	default:
		return true
	}
}

func (p *connectionPool) discard(pc *PooledConnection) {
	if pc == nil || pc.conn == nil {
		return
	}
	pc.conn.Close()
	pc.healthy = false
	pc.authenticated = false
	pc.authTime = time.Time{}
}

// Close stops the health checker and closes every idle connection.
// Connections still checked out are closed when they are released.
func (p *connectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.idle)
	p.mu.Unlock()

	if p.stopHealth != nil {
		close(p.stopHealth)
		p.healthDone.Wait()
	}

	for pc := range p.idle {
		p.discard(pc)
	}

	LogPoolEvent(p.ctx, "pool_closed", map[string]any{
		"created": p.counters.created.Load(),
		"errors":  p.counters.errors.Load(),
	})
	return nil
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	idle := len(p.idle)
	active := p.counters.active.Load()

	return PoolStats{
		Total:   idle + int(active),
		Active:  active,
		Idle:    idle,
		Created: p.counters.created.Load(),
		Errors:  p.counters.errors.Load(),
		Uptime:  time.Since(p.started),
	}
}

func (p *connectionPool) healthLoop() {
	ticker := time.NewTicker(p.config.HealthCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.checkIdle()
		case <-p.stopHealth:
			return
		}
	}
}

// checkIdle probes a few idle connections and drops the ones that fail.
func (p *connectionPool) checkIdle() {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.Timeout)
	defer cancel()

	for range healthCheckBatch {
		var pc *PooledConnection
		select {
		case c, ok := <-p.idle:
			if !ok {
				return
			}
			pc = c
		default:
			return
		}

		if p.probe(ctx, pc) {
			p.put(pc)
			continue
		}
		LogPoolEvent(p.ctx, "health_check_failed", map[string]any{
			"server": ServerInfoToURL(pc.server),
		})
		p.discard(pc)
	}
}

// probe rebinds a stale connection and issues a root DSE read.
func (p *connectionPool) probe(ctx context.Context, pc *PooledConnection) bool {
	if pc == nil || pc.conn == nil {
		return false
	}

	if p.config.HasAuthentication() && needsReAuthentication(pc) {
		if err := p.bind(ctx, pc); err != nil {
			return false
		}
	}

	if err := rootDSEProbe(pc.conn); err != nil {
		pc.authenticated = false
		pc.authTime = time.Time{}
		return false
	}

	pc.lastUsed = time.Now()
	return true
}

// rootDSEProbe issues a minimal base-scope search against the root DSE.
func rootDSEProbe(conn *ldap.Conn) error {
	_, err := conn.Search(ldap.NewSearchRequest(
		"", ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		1, 5, false,
		"(objectClass=*)",
		[]string{"namingContexts"},
		nil,
	))
	return err
}

// validateConfig validates the connection configuration.
func validateConfig(config *ConnectionConfig) error {
	switch {
	case config.MaxConnections <= 0:
		return errors.New("MaxConnections must be positive")
	case config.MaxConnections > MaxConnectionPoolLimit:
		return fmt.Errorf("MaxConnections too high (max %d)", MaxConnectionPoolLimit)
	case config.MaxIdleTime <= 0:
		return errors.New("MaxIdleTime must be positive")
	case config.Timeout <= 0:
		return errors.New("timeout must be positive")
	case config.MaxRetries < 0:
		return errors.New("MaxRetries cannot be negative")
	case config.BackoffFactor <= 1.0:
		return errors.New("BackoffFactor must be greater than 1.0")
	default:
		return nil
	}
}
