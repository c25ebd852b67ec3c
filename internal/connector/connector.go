// Package connector reconciles logical identity records into an LDAP
// directory. A Connector resolves each record to at most one existing
// entry, applies the minimal set of directory operations to bring it to
// the requested state and reports every mutation as an event.
package connector

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldap-connector/internal/directory"
	"github.com/isometry/ldap-connector/internal/event"
	ldapclient "github.com/isometry/ldap-connector/internal/ldap"
)

const tracerName = "github.com/isometry/ldap-connector/internal/connector"

// SessionProvider hands out directory sessions. ldap.Client implements it.
type SessionProvider interface {
	Session(ctx context.Context) (ldapclient.Session, error)
}

// Connector is safe for concurrent use. Each call holds its own session
// for its whole duration.
type Connector struct {
	sessions   SessionProvider
	dispatcher *event.Dispatcher
	resolvers  Resolvers
	tracer     trace.Tracer
}

// Option configures a Connector.
type Option func(*Connector)

// WithResolver registers a dynamic attribute resolver under key, which is
// either "attribute.INDICATOR" or a bare "INDICATOR".
func WithResolver(key string, resolver DynamicAttributeResolver) Option {
	return func(c *Connector) {
		c.resolvers[key] = resolver
	}
}

// WithTracerProvider sets the provider used for operation spans. The
// global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Connector) {
		c.tracer = tp.Tracer(tracerName)
	}
}

// New returns a connector. A nil dispatcher delivers events to nobody.
func New(sessions SessionProvider, dispatcher *event.Dispatcher, opts ...Option) *Connector {
	if dispatcher == nil {
		dispatcher = event.NewDispatcher(nil, event.Options{})
	}

	c := &Connector{
		sessions:   sessions,
		dispatcher: dispatcher,
		resolvers:  DefaultResolvers(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the asynchronous event worker, if any.
func (c *Connector) Start(ctx context.Context) {
	c.dispatcher.Start(ctx)
}

// Stop drains pending events and stops the worker.
func (c *Connector) Stop(ctx context.Context) error {
	return c.dispatcher.Stop(ctx)
}

// Persist reconciles one record. attrs holds the requested attribute
// values plus the pseudo-attributes dn (or one of its dn.INDICATOR
// variants), the definition's unique identifier attribute, dynamic
// attribute.INDICATOR keys and group directives. With isDelete set, the
// entry at dn and, when duplicate removal is enabled or no dn is given,
// every entry holding the primary key are deleted instead.
//
// A PersistCompletion event is emitted whatever the outcome.
func (c *Connector) Persist(ctx context.Context, eventID string, def directory.ObjectDefinition, cbCtx directory.CallbackContext, attrs map[string]any, isDelete bool) (modified bool, err error) {
	ctx, span := c.tracer.Start(ctx, "connector.Persist", trace.WithAttributes(
		attribute.String("event.id", eventID),
		attribute.Bool("persist.delete", isDelete),
	))
	defer func() { endSpan(span, err) }()

	done := ldapclient.LogConnectorOperation(ctx, "persist", map[string]any{
		"event_id":  eventID,
		"is_delete": isDelete,
	})
	defer func() { done(err) }()

	var pkey string
	defer func() {
		c.emit(ctx, &event.PersistCompletionMessage{
			Header:   event.NewHeader(eventID, def, cbCtx, err),
			PKey:     pkey,
			IsDelete: isDelete,
			Modified: modified,
		})
	}()

	req, err := parseRequest(eventID, def, cbCtx, attrs, c.resolvers)
	if err != nil {
		return false, err
	}
	pkey = req.pkey
	span.SetAttributes(attribute.String("record.pkey", pkey))

	sess, err := c.sessions.Session(ctx)
	if err != nil {
		return false, operationError("session", "", err)
	}
	defer sess.Close()

	if isDelete {
		return c.delete(ctx, sess, req)
	}
	return c.persist(ctx, sess, req)
}

// persist runs the non-delete path against an open session.
func (c *Connector) persist(ctx context.Context, sess ldapclient.Session, req *request) (bool, error) {
	def := req.def
	if req.pkey == "" {
		return false, configError("primary key attribute %s is required", def.PrimaryKeyAttribute())
	}

	match, err := matchEntry(ctx, sess, def, req.pkey, req.dnTemplate, req.uniqueID)
	if err != nil {
		return false, err
	}

	var (
		modified bool
		errs     []error
	)

	if def.RemoveDuplicatePrimaryKeys() && len(match.Duplicates) > 0 {
		deleted, err := c.deleteDuplicates(ctx, sess, req, match)
		modified = deleted
		if err != nil {
			errs = append(errs, err)
		}
	}

	var changed bool
	if match.Found() {
		changed, err = c.update(ctx, sess, req, match)
	} else {
		changed, err = c.insert(ctx, sess, req, match)
	}

	return modified || changed, errors.Join(append(errs, err)...)
}

// deleteDuplicates removes every duplicate except ancestors of the
// matched entry, which cannot be deleted without deleting it.
func (c *Connector) deleteDuplicates(ctx context.Context, sess ldapclient.Session, req *request, match *MatchResult) (bool, error) {
	var (
		modified bool
		errs     []error
	)

	for _, dup := range match.Duplicates {
		if match.Found() && ldapclient.IsDescendant(match.Entry.DN, dup.DN) {
			tflog.SubsystemWarn(ctx, ldapclient.SubsystemConnector, "Not removing duplicate above matched entry", map[string]any{
				"duplicate_dn": dup.DN,
				"matched_dn":   match.Entry.DN,
			})
			continue
		}

		pkey := dup.PrimaryKey(req.def)
		if pkey == "" {
			pkey = req.pkey
		}
		if err := c.deleteEntry(ctx, sess, req, pkey, dup.DN); err != nil {
			errs = append(errs, err)
			continue
		}
		modified = true
	}

	return modified, errors.Join(errs...)
}

// delete runs the delete path: the entry at the requested DN and, when
// duplicates are removed or no DN was given, every primary key match.
// Each deletion is independent.
func (c *Connector) delete(ctx context.Context, sess ldapclient.Session, req *request) (bool, error) {
	def := req.def
	if req.dnTemplate == "" && req.pkey == "" {
		return false, configError("delete requires a DN or primary key attribute %s", def.PrimaryKeyAttribute())
	}

	var (
		modified bool
		deleted  []string
		errs     []error
	)

	if req.dnTemplate != "" {
		entry, err := lookupEntry(ctx, sess, def, req.dnTemplate)
		switch {
		case err != nil:
			errs = append(errs, err)
		case entry != nil:
			pkey := entry.PrimaryKey(def)
			if pkey == "" {
				pkey = req.pkey
			}
			if err := c.deleteEntry(ctx, sess, req, pkey, entry.DN); err != nil {
				errs = append(errs, err)
			} else {
				modified = true
			}
			deleted = append(deleted, entry.DN)
		}
	}

	if req.pkey != "" && (def.RemoveDuplicatePrimaryKeys() || req.dnTemplate == "") {
		if query := def.QueryForPrimaryKey(req.pkey); query != nil {
			found, err := sess.Find(ctx, query)
			if err != nil {
				errs = append(errs, operationError("search", query.BaseDN, err))
			}
			for _, entry := range directory.EntriesFromLDAP(found) {
				if containsDN(deleted, entry.DN, def.DNCaseSensitive()) {
					continue
				}
				if err := c.deleteEntry(ctx, sess, req, req.pkey, entry.DN); err != nil {
					errs = append(errs, err)
				} else {
					modified = true
				}
				deleted = append(deleted, entry.DN)
			}
		}
	}

	return modified, errors.Join(errs...)
}

// deleteEntry deletes dn and its subordinates and emits one Delete event.
func (c *Connector) deleteEntry(ctx context.Context, sess ldapclient.Session, req *request, pkey, dn string) error {
	err := operationError("delete", dn, deleteTree(ctx, sess, dn))
	c.emit(ctx, &event.DeleteMessage{
		Header: event.NewHeader(req.eventID, req.def, req.cbCtx, err),
		PKey:   pkey,
		DN:     dn,
	})
	return err
}

// deleteTree deletes the subordinates of dn deepest first, then dn. An
// entry that is already gone counts as deleted.
func deleteTree(ctx context.Context, sess ldapclient.Session, dn string) error {
	children, err := sess.Children(ctx, dn)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := deleteTree(ctx, sess, child.DN); err != nil {
			return err
		}
	}

	if err := sess.Delete(ctx, dn); err != nil && !ldapclient.IsNoSuchObject(err) {
		return err
	}
	return nil
}

// GloballyUniqueIdentifier returns the unique identifier of the entry at
// dn, or "" when the entry does not exist.
func (c *Connector) GloballyUniqueIdentifier(ctx context.Context, def directory.ObjectDefinition, dn string) (id string, err error) {
	ctx, span := c.tracer.Start(ctx, "connector.GloballyUniqueIdentifier", trace.WithAttributes(
		attribute.String("entry.dn", dn),
	))
	defer func() { endSpan(span, err) }()

	if def == nil || def.UniqueIdentifierAttribute() == "" {
		return "", configError("object definition has no unique identifier attribute")
	}

	sess, err := c.sessions.Session(ctx)
	if err != nil {
		return "", operationError("session", "", err)
	}
	defer sess.Close()

	return discoverUniqueIdentifier(ctx, sess, def, dn)
}

// discoverUniqueIdentifier reads the unique identifier of dn. A missing
// entry or attribute yields "".
func discoverUniqueIdentifier(ctx context.Context, sess ldapclient.Session, def directory.ObjectDefinition, dn string) (string, error) {
	attr := def.UniqueIdentifierAttribute()

	entry, err := sess.Lookup(ctx, dn, attr)
	if err != nil {
		return "", operationError("lookup", dn, err)
	}
	if entry == nil || (len(ldapclient.AttributeValues(entry, attr)) == 0 && len(ldapclient.RawAttributeValues(entry, attr)) == 0) {
		return "", nil
	}

	id, err := ldapclient.UniqueIdentifier(entry, attr)
	if err != nil {
		return "", fmt.Errorf("decoding %s of %s: %w", attr, dn, err)
	}
	return id, nil
}

func (c *Connector) emit(ctx context.Context, msg event.Message) {
	c.dispatcher.Deliver(ctx, msg)
}

func containsDN(dns []string, dn string, caseSensitive bool) bool {
	for _, d := range dns {
		if ldapclient.EqualDN(d, dn, caseSensitive) {
			return true
		}
	}
	return false
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
