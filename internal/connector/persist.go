package connector

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldap-connector/internal/directory"
	"github.com/isometry/ldap-connector/internal/event"
	ldapclient "github.com/isometry/ldap-connector/internal/ldap"
)

// update brings the matched entry to the requested state: rename, group
// additions, attribute update, unique identifier notice, group removals.
// A failed rename or update stops the sequence.
func (c *Connector) update(ctx context.Context, sess ldapclient.Session, req *request, match *MatchResult) (bool, error) {
	def := req.def
	entry := match.Entry

	target, rename, err := c.resolveDN(ctx, req, match)
	if err != nil {
		return false, err
	}

	var (
		modified bool
		renamed  bool
		errs     []error
	)

	if rename {
		oldDN := entry.DN
		err := operationError("rename", oldDN, sess.Rename(ctx, oldDN, target))
		c.emit(ctx, &event.RenameMessage{
			Header: event.NewHeader(req.eventID, def, req.cbCtx, err),
			PKey:   req.pkey,
			OldDN:  oldDN,
			NewDN:  target,
		})
		if err != nil {
			return false, err
		}
		renamed, modified = true, true

		// The RDN attribute may have changed with the DN.
		reread, lookupErr := lookupEntry(ctx, sess, def, target)
		if reread != nil {
			entry = reread
		} else {
			entry = entry.Clone()
			entry.DN = target
		}

		if def.UniqueIdentifierAttribute() != "" {
			c.emit(ctx, &event.UniqueIdentifierMessage{
				Header:           event.NewHeader(req.eventID, def, req.cbCtx, lookupErr),
				CausingEvent:     event.RenameEvent,
				PKey:             req.pkey,
				OldDN:            oldDN,
				NewDN:            entry.DN,
				UniqueIdentifier: entry.UniqueIdentifier(def),
				WasRenamed:       true,
			})
		}
	}

	if len(req.addGroups) > 0 {
		changed, err := applyGroupMembership(ctx, sess, def.GroupMembershipAttribute(), entry.DN, req.addGroups, true)
		modified = modified || changed
		if err != nil {
			errs = append(errs, err)
		}
	}

	requested, err := c.resolveDynamic(ctx, req, match.FoundMethod, entry)
	if err != nil {
		return modified, errors.Join(append(errs, err)...)
	}

	rec := reconcile(def, entry.Attributes, requested, req.keepExisting)
	if rec.Modified() {
		err = operationError("update", entry.DN, sess.Modify(ctx, &ldapclient.ModifyRequest{
			DN:      entry.DN,
			Changes: rec.Changes,
		}))
	}
	c.emit(ctx, &event.UpdateMessage{
		Header:        event.NewHeader(req.eventID, def, req.cbCtx, err),
		FoundMethod:   match.FoundMethod,
		PKey:          req.pkey,
		DN:            entry.DN,
		OldAttributes: rec.OldAttributes,
		NewAttributes: rec.NewAttributes,
		Modifications: rec.Changes,
		Modified:      rec.Modified(),
	})
	if err != nil {
		return modified, errors.Join(append(errs, err)...)
	}
	modified = modified || rec.Modified()

	// Teach the caller the identifier when it does not have it or when
	// the entry lives somewhere other than where the caller thinks.
	if !renamed && def.UniqueIdentifierAttribute() != "" &&
		(req.uniqueID == "" || (req.dnTemplate != "" && !ldapclient.EqualDN(entry.DN, req.dnTemplate, def.DNCaseSensitive()))) {
		oldDN := req.dnTemplate
		if oldDN == "" {
			oldDN = entry.DN
		}
		c.emit(ctx, &event.UniqueIdentifierMessage{
			Header:           event.NewHeader(req.eventID, def, req.cbCtx, nil),
			CausingEvent:     event.UpdateEvent,
			PKey:             req.pkey,
			OldDN:            oldDN,
			NewDN:            entry.DN,
			UniqueIdentifier: entry.UniqueIdentifier(def),
		})
	}

	if len(req.removeGroups) > 0 {
		changed, err := applyGroupMembership(ctx, sess, def.GroupMembershipAttribute(), entry.DN, req.removeGroups, false)
		modified = modified || changed
		if err != nil {
			errs = append(errs, err)
		}
	}

	return modified, errors.Join(errs...)
}

// insert creates the entry at the requested DN. Update-only attributes,
// ONUPDATE dynamic attributes and group directives are applied by a
// follow-up update once the entry exists.
func (c *Connector) insert(ctx context.Context, sess ldapclient.Session, req *request, match *MatchResult) (bool, error) {
	def := req.def

	dn, _, err := c.resolveDN(ctx, req, match)
	if err != nil {
		return false, err
	}
	if dn == "" {
		return false, configError("a DN is required to insert %s %q", def.ObjectClass(), req.pkey)
	}

	requested, err := c.resolveDynamic(ctx, req, directory.NotFound, nil)
	if err != nil {
		return false, err
	}

	attrs := insertAttributes(def, requested)
	err = operationError("insert", dn, sess.Add(ctx, &ldapclient.AddRequest{DN: dn, Attributes: attrs}))
	c.emit(ctx, &event.InsertMessage{
		Header:     event.NewHeader(req.eventID, def, req.cbCtx, err),
		PKey:       req.pkey,
		DN:         dn,
		Attributes: attrs,
	})
	if err != nil {
		return false, err
	}

	var uniqueID string
	if def.UniqueIdentifierAttribute() != "" {
		var idErr error
		uniqueID, idErr = discoverUniqueIdentifier(ctx, sess, def, dn)
		if uniqueID != "" || idErr != nil {
			c.emit(ctx, &event.UniqueIdentifierMessage{
				Header:           event.NewHeader(req.eventID, def, req.cbCtx, idErr),
				CausingEvent:     event.InsertEvent,
				PKey:             req.pkey,
				NewDN:            dn,
				UniqueIdentifier: uniqueID,
			})
		}
	}

	followUp := req.followUpAttributes(dn, uniqueID)
	if followUp == nil {
		return true, nil
	}

	tflog.SubsystemDebug(ctx, ldapclient.SubsystemConnector, "Applying post-insert update", map[string]any{
		"event_id": req.eventID,
		"dn":       dn,
	})

	sub, err := parseRequest(req.eventID, def, req.cbCtx, followUp, c.resolvers)
	if err != nil {
		return true, err
	}
	sub.keepExisting = true

	_, err = c.persist(ctx, sess, sub)
	return true, err
}

// resolveDN returns the DN the entry should end up at and whether a
// rename is needed. For an insert the template DN is the fallback when a
// DN indicator resolves to no-op.
func (c *Connector) resolveDN(ctx context.Context, req *request, match *MatchResult) (string, bool, error) {
	if req.dnKey == "" {
		return "", false, nil
	}

	target := req.dnTemplate
	if req.dnIndicator != "" {
		var existing []string
		if match.Found() {
			existing = []string{match.Entry.DN}
		}
		var template []string
		if req.dnTemplate != "" {
			template = []string{req.dnTemplate}
		}

		res, err := c.resolveAttribute(ctx, req, match.FoundMethod, match.Entry, nil,
			directory.DNAttribute, req.dnIndicator, existing, template)
		if err != nil {
			return "", false, err
		}

		target = ""
		if res.Set && len(res.Value) > 0 {
			target = strings.TrimSpace(res.Value[0])
		}
	}

	if !match.Found() {
		if target == "" {
			target = req.dnTemplate
		}
		return target, false, nil
	}

	if target == "" || !req.def.RenamingEnabled() {
		return target, false, nil
	}
	return target, !ldapclient.EqualDN(match.Entry.DN, target, req.def.DNCaseSensitive()), nil
}

// resolveDynamic returns the plain requested attributes with every
// dynamic attribute resolved into them. An attribute whose resolver
// declines keeps its existing value.
func (c *Connector) resolveDynamic(ctx context.Context, req *request, method directory.FoundObjectMethod, entry *directory.Entry) (directory.Attributes, error) {
	requested := req.attributes.Clone()

	var existing directory.Attributes
	if entry != nil {
		existing = entry.Attributes
	}

	for _, d := range req.dynamic {
		current, _ := existing.Get(d.attribute)
		res, err := c.resolveAttribute(ctx, req, method, entry, requested, d.attribute, d.indicator, current, d.template)
		if err != nil {
			return nil, err
		}
		switch _, planned := requested.Get(d.attribute); {
		case res.Set:
			requested.Set(d.attribute, res.Value)
		case !planned && len(current) > 0:
			// No-op: hold the existing value so a replacing update
			// does not drop it.
			requested.Set(d.attribute, slices.Clone(current))
		}
	}

	return requested, nil
}

func (c *Connector) resolveAttribute(ctx context.Context, req *request, method directory.FoundObjectMethod, entry *directory.Entry, requested directory.Attributes, attribute, indicator string, current, template []string) (DynamicAttributeResult, error) {
	resolver, ok := c.resolvers.Lookup(attribute, indicator)
	if !ok {
		return NoOp, configError("no resolver for dynamic attribute %s.%s", attribute, indicator)
	}

	dynReq := DynamicAttributeRequest{
		EventID:       req.eventID,
		Definition:    req.def,
		Context:       req.cbCtx,
		FoundMethod:   method,
		PKey:          req.pkey,
		AttributeName: attribute,
		Indicator:     indicator,
		NewAttributes: requested.Clone(),
		ExistingValue: current,
		Template:      template,
	}
	if entry != nil {
		dynReq.DN = entry.DN
		dynReq.ExistingAttrs = entry.Attributes.Clone()
	}

	res, err := resolver.Resolve(ctx, dynReq)
	if err != nil {
		return NoOp, fmt.Errorf("resolving %s.%s: %w", attribute, indicator, err)
	}

	tflog.SubsystemTrace(ctx, ldapclient.SubsystemConnector, "Resolved dynamic attribute", map[string]any{
		"attribute":    attribute,
		"indicator":    indicator,
		"found_method": method.String(),
		"set":          res.Set,
	})
	return res, nil
}
