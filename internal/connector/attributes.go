package connector

import (
	"context"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/isometry/ldap-connector/internal/directory"
	"github.com/isometry/ldap-connector/internal/event"
	ldapclient "github.com/isometry/ldap-connector/internal/ldap"
)

// Target identifies the entry a RemoveAttributes or SetAttribute call acts
// on. At least one of PKey and DN must be set.
type Target struct {
	DN       string
	PKey     string
	UniqueID string
}

func (t Target) validate(def directory.ObjectDefinition) error {
	if def == nil {
		return configError("object definition is required")
	}
	if t.DN == "" && t.PKey == "" {
		return configError("a DN or primary key attribute %s is required", def.PrimaryKeyAttribute())
	}
	return nil
}

// RemoveAttributes deletes the named attributes from the matched entry.
// Names the entry does not hold are ignored. It returns ErrObjectNotFound
// when no entry matches.
func (c *Connector) RemoveAttributes(ctx context.Context, eventID string, def directory.ObjectDefinition, cbCtx directory.CallbackContext, target Target, names []string) (modified bool, err error) {
	ctx, span := c.tracer.Start(ctx, "connector.RemoveAttributes", trace.WithAttributes(
		attribute.String("event.id", eventID),
		attribute.StringSlice("attributes", names),
	))
	defer func() { endSpan(span, err) }()

	done := ldapclient.LogConnectorOperation(ctx, "remove_attributes", map[string]any{
		"event_id":   eventID,
		"pkey":       target.PKey,
		"dn":         target.DN,
		"attributes": names,
	})
	defer func() { done(err) }()

	if err := target.validate(def); err != nil {
		return false, err
	}

	sess, err := c.sessions.Session(ctx)
	if err != nil {
		return false, operationError("session", "", err)
	}
	defer sess.Close()

	match, err := matchEntry(ctx, sess, def, target.PKey, target.DN, target.UniqueID)
	if err != nil {
		return false, err
	}
	if !match.Found() {
		return false, notFoundError(target.PKey, target.DN)
	}
	entry := match.Entry

	var (
		removed []string
		changes []ldapclient.Change
	)
	for _, name := range names {
		key, ok := entry.Attributes.Key(name)
		if !ok || slices.Contains(removed, key) {
			continue
		}
		removed = append(removed, key)
		changes = append(changes, ldapclient.Change{Operation: ldapclient.ModDelete, Attribute: key})
	}

	if len(changes) > 0 {
		err = operationError("remove attributes", entry.DN, sess.Modify(ctx, &ldapclient.ModifyRequest{
			DN:      entry.DN,
			Changes: changes,
		}))
	}
	c.emit(ctx, &event.RemoveAttributesMessage{
		Header:                event.NewHeader(eventID, def, cbCtx, err),
		FoundMethod:           match.FoundMethod,
		PKey:                  pkeyOf(entry, def, target.PKey),
		DN:                    entry.DN,
		RemovedAttributeNames: removed,
		Modifications:         changes,
	})
	if err != nil {
		return false, err
	}

	return len(changes) > 0, nil
}

// SetAttribute sets one attribute on the matched entry. A nil or empty
// value removes the attribute. With useRemoveThenAdd the existing values
// are deleted and the new ones added in one request instead of a replace,
// for attributes whose servers reject replace. It returns
// ErrObjectNotFound when no entry matches.
func (c *Connector) SetAttribute(ctx context.Context, eventID string, def directory.ObjectDefinition, cbCtx directory.CallbackContext, target Target, name string, value any, useRemoveThenAdd bool) (modified bool, err error) {
	ctx, span := c.tracer.Start(ctx, "connector.SetAttribute", trace.WithAttributes(
		attribute.String("event.id", eventID),
		attribute.String("attribute", name),
	))
	defer func() { endSpan(span, err) }()

	done := ldapclient.LogConnectorOperation(ctx, "set_attribute", map[string]any{
		"event_id":  eventID,
		"pkey":      target.PKey,
		"dn":        target.DN,
		"attribute": name,
	})
	defer func() { done(err) }()

	if err := target.validate(def); err != nil {
		return false, err
	}
	if name == "" {
		return false, configError("attribute name is required")
	}

	values, err := directory.EncodeValue(value)
	if err != nil {
		return false, configError("attribute %s: %v", name, err)
	}

	sess, err := c.sessions.Session(ctx)
	if err != nil {
		return false, operationError("session", "", err)
	}
	defer sess.Close()

	match, err := matchEntry(ctx, sess, def, target.PKey, target.DN, target.UniqueID)
	if err != nil {
		return false, err
	}
	if !match.Found() {
		return false, notFoundError(target.PKey, target.DN)
	}
	entry := match.Entry

	changes := setAttributeChanges(entry.Attributes, name, values, useRemoveThenAdd)
	if len(changes) > 0 {
		err = operationError("set attribute", entry.DN, sess.Modify(ctx, &ldapclient.ModifyRequest{
			DN:      entry.DN,
			Changes: changes,
		}))
	}
	c.emit(ctx, &event.SetAttributeMessage{
		Header:        event.NewHeader(eventID, def, cbCtx, err),
		FoundMethod:   match.FoundMethod,
		PKey:          pkeyOf(entry, def, target.PKey),
		DN:            entry.DN,
		AttributeName: name,
		Value:         values,
		Modifications: changes,
		Modified:      len(changes) > 0,
	})
	if err != nil {
		return false, err
	}

	return len(changes) > 0, nil
}

func setAttributeChanges(existing directory.Attributes, name string, values []string, useRemoveThenAdd bool) []ldapclient.Change {
	key, present := existing.Key(name)
	current := existing[key]

	if len(values) == 0 {
		if !present || len(current) == 0 {
			return nil
		}
		return []ldapclient.Change{{Operation: ldapclient.ModDelete, Attribute: key}}
	}

	if present && sameValues(current, values) {
		return nil
	}

	if !useRemoveThenAdd {
		return []ldapclient.Change{{Operation: ldapclient.ModReplace, Attribute: name, Values: values}}
	}

	var changes []ldapclient.Change
	if present && len(current) > 0 {
		changes = append(changes, ldapclient.Change{Operation: ldapclient.ModDelete, Attribute: key})
	}
	return append(changes, ldapclient.Change{Operation: ldapclient.ModAdd, Attribute: name, Values: values})
}

// sameValues compares two value lists as sets, exactly.
func sameValues(a, b []string) bool {
	return len(subtract(a, b)) == 0 && len(subtract(b, a)) == 0
}

func pkeyOf(entry *directory.Entry, def directory.ObjectDefinition, fallback string) string {
	if pkey := entry.PrimaryKey(def); pkey != "" {
		return pkey
	}
	return fallback
}
