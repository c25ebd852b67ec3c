package connector

import (
	"strings"

	"github.com/isometry/ldap-connector/internal/directory"
)

// Group membership directives, prefixed by the definition's meta
// attribute prefix.
const (
	DirectiveAddToGroups      = "addToGroups"
	DirectiveRemoveFromGroups = "removeFromGroups"
)

type dynamicAttribute struct {
	key       string
	attribute string
	indicator string
	template  []string
}

// request is a persist call after the caller's attribute map has been
// split into plain attributes, the DN, the unique identifier, dynamic
// attributes and group directives.
type request struct {
	eventID string
	def     directory.ObjectDefinition
	cbCtx   directory.CallbackContext

	pkey     string
	uniqueID string

	dnKey       string
	dnIndicator string
	dnTemplate  string

	attributes   directory.Attributes
	dynamic      []dynamicAttribute
	addGroups    []string
	removeGroups []string

	// keepExisting overrides the definition for follow-up updates.
	keepExisting bool
}

func parseRequest(eventID string, def directory.ObjectDefinition, cbCtx directory.CallbackContext, raw map[string]any, resolvers Resolvers) (*request, error) {
	if def == nil {
		return nil, configError("object definition is required")
	}

	encoded, err := directory.EncodeAttributes(raw)
	if err != nil {
		return nil, configError("%v", err)
	}

	req := &request{
		eventID:      eventID,
		def:          def,
		cbCtx:        cbCtx,
		attributes:   make(directory.Attributes, len(encoded)),
		keepExisting: def.KeepExistingAttributesWhenUpdating(),
	}

	prefix := def.MetaAttributePrefix()
	uidAttr := def.UniqueIdentifierAttribute()

	for _, name := range encoded.Names() {
		values := encoded[name]

		switch {
		case isDNKey(name):
			if req.dnKey != "" {
				return nil, configError("conflicting DN attributes %s and %s", req.dnKey, name)
			}
			req.dnKey = name
			if _, indicator, ok := directory.SplitDynamicName(name); ok {
				if _, found := resolvers.Lookup(directory.DNAttribute, indicator); !found {
					return nil, configError("no resolver for dynamic attribute %s", name)
				}
				req.dnIndicator = indicator
			}
			if len(values) > 0 {
				req.dnTemplate = strings.TrimSpace(values[0])
			}

		case prefix != "" && strings.HasPrefix(name, prefix):
			switch directive := strings.TrimPrefix(name, prefix); {
			case strings.EqualFold(directive, DirectiveAddToGroups):
				req.addGroups = append(req.addGroups, values...)
			case strings.EqualFold(directive, DirectiveRemoveFromGroups):
				req.removeGroups = append(req.removeGroups, values...)
			}

		case uidAttr != "" && strings.EqualFold(name, uidAttr):
			if len(values) > 0 {
				req.uniqueID = values[0]
			}

		default:
			attribute, indicator, ok := resolvers.dynamicKey(def, name)
			if !ok {
				req.attributes[name] = values
				continue
			}
			if _, found := resolvers.Lookup(attribute, indicator); !found {
				return nil, configError("no resolver for dynamic attribute %s", name)
			}
			req.dynamic = append(req.dynamic, dynamicAttribute{
				key:       name,
				attribute: attribute,
				indicator: indicator,
				template:  values,
			})
		}
	}

	req.pkey = req.attributes.First(def.PrimaryKeyAttribute())

	if req.hasGroupDirectives() && def.GroupMembershipAttribute() == "" {
		return nil, configError("group directives require a group membership attribute on %s", def.ObjectClass())
	}

	return req, nil
}

// hasGroupDirectives reports whether the request changes group membership.
func (r *request) hasGroupDirectives() bool {
	return len(r.addGroups) > 0 || len(r.removeGroups) > 0
}

// followUpAttributes returns the part of the request that must be applied
// through the update path after an insert, or nil when there is none.
func (r *request) followUpAttributes(dn, uniqueID string) map[string]any {
	out := make(map[string]any)

	for name, values := range r.attributes {
		if values != nil && r.def.IsUpdateOnly(name) {
			out[name] = values
		}
	}
	for _, d := range r.dynamic {
		if strings.EqualFold(d.indicator, directory.IndicatorOnUpdate) {
			out[d.key] = d.template
		}
	}
	prefix := r.def.MetaAttributePrefix()
	if len(r.addGroups) > 0 {
		out[prefix+DirectiveAddToGroups] = r.addGroups
	}
	if len(r.removeGroups) > 0 {
		out[prefix+DirectiveRemoveFromGroups] = r.removeGroups
	}

	if len(out) == 0 {
		return nil
	}

	out[r.def.PrimaryKeyAttribute()] = r.pkey
	out[directory.DNAttribute] = dn
	if uniqueID != "" && r.def.UniqueIdentifierAttribute() != "" {
		out[r.def.UniqueIdentifierAttribute()] = uniqueID
	}
	return out
}
