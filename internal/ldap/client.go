package ldap

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// searchPageSize is the paging control size used for subtree searches.
const searchPageSize = 500

// client implements the Client interface.
type client struct {
	pool   ConnectionPool
	config *ConnectionConfig
}

// NewClient creates a new LDAP client with connection pooling.
func NewClient(ctx context.Context, config *ConnectionConfig) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Creating new LDAP client", map[string]any{
		"domain":          config.Domain,
		"ldap_urls_count": len(config.LDAPURLs),
		"auth_method":     config.GetAuthMethod().String(),
		"use_tls":         config.UseTLS,
		"max_connections": config.MaxConnections,
	})

	start := time.Now()
	pool, err := NewConnectionPool(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	tflog.SubsystemInfo(ctx, SubsystemLDAP, "LDAP client created successfully", map[string]any{
		"duration_ms": time.Since(start).Milliseconds(),
		"auth_method": config.GetAuthMethod().String(),
	})

	return &client{
		pool:   pool,
		config: config,
	}, nil
}

// Connect verifies that a connection can be established and bound.
func (c *client) Connect(ctx context.Context) error {
	return LogOperation(ctx, SubsystemLDAP, "connection_test", map[string]any{
		"domain": c.config.Domain,
	}, func() error {
		conn, err := c.pool.Get(ctx)
		if err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}
		defer conn.Close()

		if err := rootDSEProbe(conn.Conn()); err != nil {
			conn.markBroken()
			return fmt.Errorf("connection test failed: %w", err)
		}

		LogConnectionEvent(ctx, "connection_established", map[string]any{
			"server": ServerInfoToURL(conn.ServerInfo()),
		})
		return nil
	})
}

// Close closes the client and all its connections.
func (c *client) Close() error {
	return c.pool.Close()
}

// Session checks out a pooled connection for a sequence of operations.
func (c *client) Session(ctx context.Context) (Session, error) {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	return &session{client: c, conn: conn}, nil
}

// Ping tests connectivity to the LDAP server.
func (c *client) Ping(ctx context.Context) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	return c.withRetry(ctx, func() error {
		return rootDSEProbe(conn.Conn())
	})
}

// Stats returns pool statistics.
func (c *client) Stats() PoolStats {
	return c.pool.Stats()
}

// withRetry executes an operation with retry logic.
func (c *client) withRetry(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			tflog.SubsystemDebug(ctx, SubsystemLDAP, "Retrying operation", map[string]any{
				"attempt":    attempt,
				"max_retry":  c.config.MaxRetries,
				"backoff_ms": backoff.Milliseconds(),
				"last_error": lastErr.Error(),
			})
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err

		if !isRetryableError(err) {
			return err
		}

		if attempt == c.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff = min(time.Duration(float64(backoff)*c.config.BackoffFactor), c.config.MaxBackoff)
		}
	}

	tflog.SubsystemError(ctx, SubsystemLDAP, "Operation failed after all retries exhausted", map[string]any{
		"total_attempts": c.config.MaxRetries + 1,
		"final_error":    lastErr.Error(),
	})

	return NewConnectionError("operation failed after retries", false, lastErr)
}

// isRetryableError determines if an error should be retried. Only transient
// server conditions qualify; directory result errors are returned at once.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if ldap.IsErrorWithCode(err, ldap.LDAPResultBusy) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnavailable) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultServerDown) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure")
}

// session implements Session on a single pooled connection.
type session struct {
	client *client
	conn   *PooledConnection
	closed bool
}

func (s *session) ldapConn() (*ldap.Conn, error) {
	if s.closed {
		return nil, fmt.Errorf("session is closed")
	}
	return s.conn.Conn(), nil
}

// fail records a failed directory call and marks the connection unusable
// when the failure was at the transport level.
func (s *session) fail(ctx context.Context, operation, dn string, err error, fields map[string]any) error {
	if GetErrorCategory(err) == ErrorCategoryConnection {
		s.conn.markBroken()
	}
	LogLDAPError(ctx, SubsystemLDAP, operation, err, fields)
	return WrapError(operation, dn, err)
}

func (s *session) search(ctx context.Context, req *SearchRequest, paged bool) ([]*ldap.Entry, error) {
	conn, err := s.ldapConn()
	if err != nil {
		return nil, err
	}

	ldapReq := ldap.NewSearchRequest(
		req.BaseDN,
		int(req.Scope),
		ldap.NeverDerefAliases,
		req.SizeLimit,
		0,
		false,
		req.Filter,
		req.Attributes,
		nil,
	)

	var result *ldap.SearchResult
	err = s.client.withRetry(ctx, func() error {
		var searchErr error
		if paged {
			result, searchErr = conn.SearchWithPaging(ldapReq, searchPageSize)
		} else {
			result, searchErr = conn.Search(ldapReq)
		}
		return searchErr
	})
	if err != nil {
		return nil, err
	}

	return result.Entries, nil
}

// Find runs a query and returns all matching entries.
func (s *session) Find(ctx context.Context, q *Query) ([]*ldap.Entry, error) {
	if q == nil {
		return nil, fmt.Errorf("query cannot be nil")
	}

	req := q.SearchRequest()
	fields := map[string]any{
		"base_dn": req.BaseDN,
		"scope":   req.Scope.String(),
		"filter":  req.Filter,
	}

	var entries []*ldap.Entry
	err := LogOperation(ctx, SubsystemLDAP, "search", fields, func() error {
		var searchErr error
		entries, searchErr = s.search(ctx, req, req.Scope != ScopeBaseObject)
		return searchErr
	})
	if err != nil {
		if IsNoSuchObject(err) {
			// Missing search base means nothing matches.
			return nil, nil
		}
		return nil, s.fail(ctx, "search", req.BaseDN, err, fields)
	}

	tflog.SubsystemTrace(ctx, SubsystemLDAP, "Search returned entries", map[string]any{
		"filter":        req.Filter,
		"entries_found": len(entries),
	})
	return entries, nil
}

// Lookup reads one entry by DN. A missing entry returns (nil, nil).
func (s *session) Lookup(ctx context.Context, dn string, attributes ...string) (*ldap.Entry, error) {
	if strings.TrimSpace(dn) == "" {
		return nil, fmt.Errorf("DN cannot be empty")
	}

	req := &SearchRequest{
		BaseDN:     dn,
		Scope:      ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: attributes,
		SizeLimit:  1,
	}

	entries, err := s.search(ctx, req, false)
	if err != nil {
		if IsNoSuchObject(err) {
			return nil, nil
		}
		return nil, s.fail(ctx, "lookup", dn, err, map[string]any{"dn": dn})
	}

	if len(entries) == 0 {
		return nil, nil
	}

	return entries[0], nil
}

// Children returns the immediate subordinates of dn.
func (s *session) Children(ctx context.Context, dn string) ([]*ldap.Entry, error) {
	req := &SearchRequest{
		BaseDN:     dn,
		Scope:      ScopeSingleLevel,
		Filter:     "(objectClass=*)",
		Attributes: []string{"objectClass"},
	}

	entries, err := s.search(ctx, req, true)
	if err != nil {
		if IsNoSuchObject(err) {
			return nil, nil
		}
		return nil, s.fail(ctx, "children", dn, err, map[string]any{"dn": dn})
	}

	return entries, nil
}

// Add creates a new LDAP entry. Attributes are sent in name order.
func (s *session) Add(ctx context.Context, req *AddRequest) error {
	if req == nil {
		return fmt.Errorf("add request cannot be nil")
	}

	conn, err := s.ldapConn()
	if err != nil {
		return err
	}

	ldapReq := ldap.NewAddRequest(req.DN, nil)
	names := make([]string, 0, len(req.Attributes))
	for name := range req.Attributes {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if values := req.Attributes[name]; len(values) > 0 {
			ldapReq.Attribute(name, values)
		}
	}

	fields := map[string]any{
		"dn":         req.DN,
		"attributes": SanitizeAttributes(req.Attributes),
	}
	err = LogOperation(ctx, SubsystemLDAP, "add", fields, func() error {
		return s.client.withRetry(ctx, func() error {
			return conn.Add(ldapReq)
		})
	})
	if err != nil {
		return s.fail(ctx, "add", req.DN, err, map[string]any{"dn": req.DN})
	}

	return nil
}

// Modify applies the request's changes in order.
func (s *session) Modify(ctx context.Context, req *ModifyRequest) error {
	if req == nil {
		return fmt.Errorf("modify request cannot be nil")
	}

	if len(req.Changes) == 0 {
		return nil
	}

	conn, err := s.ldapConn()
	if err != nil {
		return err
	}

	ldapReq := ldap.NewModifyRequest(req.DN, nil)
	summary := make([]string, 0, len(req.Changes))
	for _, change := range req.Changes {
		values := change.Values
		if values == nil {
			values = []string{}
		}
		switch change.Operation {
		case ModAdd:
			ldapReq.Add(change.Attribute, values)
		case ModDelete:
			ldapReq.Delete(change.Attribute, values)
		case ModReplace:
			ldapReq.Replace(change.Attribute, values)
		default:
			return fmt.Errorf("unsupported modification %d on %s", change.Operation, change.Attribute)
		}
		summary = append(summary, change.Operation.String()+":"+change.Attribute)
	}

	fields := map[string]any{
		"dn":      req.DN,
		"changes": summary,
	}
	err = LogOperation(ctx, SubsystemLDAP, "modify", fields, func() error {
		return s.client.withRetry(ctx, func() error {
			return conn.Modify(ldapReq)
		})
	})
	if err != nil {
		return s.fail(ctx, "modify", req.DN, err, map[string]any{"dn": req.DN})
	}

	return nil
}

// Rename moves oldDN to newDN, deleting the old RDN value. The new
// superior is only sent when the parent changes.
func (s *session) Rename(ctx context.Context, oldDN, newDN string) error {
	newRDN, newParent, err := SplitRDN(newDN)
	if err != nil {
		return fmt.Errorf("invalid target DN: %w", err)
	}

	oldParent, err := ParentDN(oldDN)
	if err != nil {
		return fmt.Errorf("invalid source DN: %w", err)
	}

	newSuperior := ""
	if !EqualDN(oldParent, newParent, true) {
		newSuperior = newParent
	}

	conn, err := s.ldapConn()
	if err != nil {
		return err
	}

	ldapReq := ldap.NewModifyDNRequest(oldDN, newRDN, true, newSuperior)

	fields := map[string]any{
		"old_dn":       oldDN,
		"new_dn":       newDN,
		"new_superior": newSuperior,
	}
	err = LogOperation(ctx, SubsystemLDAP, "modify_dn", fields, func() error {
		return s.client.withRetry(ctx, func() error {
			return conn.ModifyDN(ldapReq)
		})
	})
	if err != nil {
		return s.fail(ctx, "modify_dn", oldDN, err, fields)
	}

	return nil
}

// Delete removes an LDAP entry.
func (s *session) Delete(ctx context.Context, dn string) error {
	if strings.TrimSpace(dn) == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	conn, err := s.ldapConn()
	if err != nil {
		return err
	}

	ldapReq := ldap.NewDelRequest(dn, nil)

	err = LogOperation(ctx, SubsystemLDAP, "delete", map[string]any{"dn": dn}, func() error {
		return s.client.withRetry(ctx, func() error {
			return conn.Del(ldapReq)
		})
	})
	if err != nil {
		return s.fail(ctx, "delete", dn, err, map[string]any{"dn": dn})
	}

	return nil
}

// Close returns the connection to the pool. It is safe to call twice.
func (s *session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.conn.Close()
}
