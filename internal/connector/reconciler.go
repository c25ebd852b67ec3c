package connector

import (
	"slices"
	"strings"

	"github.com/isometry/ldap-connector/internal/directory"
	ldapclient "github.com/isometry/ldap-connector/internal/ldap"
)

// Reconciliation is the delta between an existing entry and a request.
type Reconciliation struct {
	OldAttributes directory.Attributes
	NewAttributes directory.Attributes
	Changes       []ldapclient.Change
}

// Modified reports whether applying the reconciliation changes anything.
func (r *Reconciliation) Modified() bool {
	return len(r.Changes) > 0
}

// protectedAttribute reports whether name is never removed implicitly,
// that is merely by being absent from a request.
func protectedAttribute(def directory.ObjectDefinition, name string) bool {
	return strings.EqualFold(name, "objectClass") ||
		def.IsServerManaged(name) ||
		(def.UniqueIdentifierAttribute() != "" && strings.EqualFold(name, def.UniqueIdentifierAttribute()))
}

// reconcile computes the changes that bring existing to the requested
// state. Requested attributes with nil values are removals. Insert-only
// attributes keep their existing values and append-only attributes are
// merged with them.
func reconcile(def directory.ObjectDefinition, existing, requested directory.Attributes, keepExisting bool) *Reconciliation {
	existing = existing.Present()

	var target directory.Attributes
	if keepExisting {
		target = existing.Clone()
	} else {
		target = make(directory.Attributes, len(requested))
		for name, values := range existing {
			if protectedAttribute(def, name) || def.IsInsertOnly(name) {
				target[name] = slices.Clone(values)
			}
		}
	}

	for _, name := range requested.Names() {
		if def.IsInsertOnly(name) {
			continue
		}
		values := requested[name]
		switch {
		case values == nil:
			target.Remove(name)
		case def.IsAppendOnly(name):
			current, _ := existing.Get(name)
			target.Set(name, directory.Union(current, values))
		default:
			target.Set(name, slices.Clone(values))
		}
	}

	return &Reconciliation{
		OldAttributes: existing,
		NewAttributes: target,
		Changes:       diffAttributes(existing, target),
	}
}

// diffAttributes returns the minimal ordered change list turning from into
// to. Attribute names compare case-insensitively; names in the change list
// take the form used in to.
func diffAttributes(from, to directory.Attributes) []ldapclient.Change {
	names := directory.NewFoldedSet(to.Names()...)
	names.AddAll(from.Names()...)

	sorted := names.Values()
	slices.SortFunc(sorted, func(a, b string) int {
		return strings.Compare(strings.ToLower(a), strings.ToLower(b))
	})

	var changes []ldapclient.Change
	for _, name := range sorted {
		before, _ := from.Get(name)
		after, _ := to.Get(name)
		changes = append(changes, diffValues(name, before, after)...)
	}
	return changes
}

func diffValues(name string, before, after []string) []ldapclient.Change {
	switch {
	case len(before) == 0 && len(after) == 0:
		return nil
	case len(before) == 0:
		return []ldapclient.Change{{Operation: ldapclient.ModAdd, Attribute: name, Values: slices.Clone(after)}}
	case len(after) == 0:
		return []ldapclient.Change{{Operation: ldapclient.ModDelete, Attribute: name}}
	}

	removed := subtract(before, after)
	added := subtract(after, before)
	if len(removed) == 0 && len(added) == 0 {
		return nil
	}

	replace := []ldapclient.Change{{Operation: ldapclient.ModReplace, Attribute: name, Values: slices.Clone(after)}}

	// Single-valued, or a value rewritten only in case: the server would
	// treat delete-then-add of an equal value as a conflict.
	if len(before) == 1 && len(after) == 1 {
		return replace
	}
	for _, r := range removed {
		if slices.ContainsFunc(added, func(a string) bool { return directory.FoldEqual(a, r) }) {
			return replace
		}
	}

	var changes []ldapclient.Change
	if len(removed) > 0 {
		changes = append(changes, ldapclient.Change{Operation: ldapclient.ModDelete, Attribute: name, Values: removed})
	}
	if len(added) > 0 {
		changes = append(changes, ldapclient.Change{Operation: ldapclient.ModAdd, Attribute: name, Values: added})
	}
	return changes
}

// subtract returns the values of a not present in b, compared exactly.
func subtract(a, b []string) []string {
	var out []string
	for _, v := range a {
		if !slices.Contains(b, v) && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// insertAttributes returns the attributes sent when creating an entry:
// removals and update-only attributes are dropped and objectClass defaults
// to the definition's class.
func insertAttributes(def directory.ObjectDefinition, requested directory.Attributes) directory.Attributes {
	out := make(directory.Attributes, len(requested)+1)
	for name, values := range requested {
		if len(values) == 0 || def.IsUpdateOnly(name) {
			continue
		}
		out[name] = slices.Clone(values)
	}
	if _, ok := out.Get("objectClass"); !ok && def.ObjectClass() != "" {
		out["objectClass"] = []string{def.ObjectClass()}
	}
	return out
}
