package connector

import (
	"context"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldap-connector/internal/directory"
	ldapclient "github.com/isometry/ldap-connector/internal/ldap"
)

// MatchResult is the outcome of resolving a logical record against the
// directory. Entry is nil when FoundMethod is NotFound.
type MatchResult struct {
	Entry       *directory.Entry
	FoundMethod directory.FoundObjectMethod
	// Duplicates are the primary key matches other than Entry.
	Duplicates []*directory.Entry
}

// Found reports whether an existing entry was matched.
func (m *MatchResult) Found() bool {
	return m.Entry != nil
}

// matchEntry finds at most one authoritative entry for pkey. Candidates are
// considered in this order: the primary key match at the requested DN, the
// only primary key match, the match by unique identifier, the first
// accepted primary key match and finally the entry at the requested DN.
func matchEntry(ctx context.Context, sess ldapclient.Session, def directory.ObjectDefinition, pkey, dn, uniqueID string) (*MatchResult, error) {
	caseSensitive := def.DNCaseSensitive()

	var candidates []*directory.Entry
	query := def.QueryForPrimaryKey(pkey)
	if query != nil {
		found, err := sess.Find(ctx, query)
		if err != nil {
			return nil, operationError("search", query.BaseDN, err)
		}
		candidates = directory.EntriesFromLDAP(found)
	}

	result := func(entry *directory.Entry, method directory.FoundObjectMethod) *MatchResult {
		m := &MatchResult{Entry: entry, FoundMethod: method}
		for _, c := range candidates {
			if entry == nil || !ldapclient.EqualDN(c.DN, entry.DN, caseSensitive) {
				m.Duplicates = append(m.Duplicates, c)
			}
		}
		tflog.SubsystemDebug(ctx, ldapclient.SubsystemConnector, "Resolved entry", map[string]any{
			"pkey":         pkey,
			"requested_dn": dn,
			"found_method": method.String(),
			"candidates":   len(candidates),
			"duplicates":   len(m.Duplicates),
		})
		return m
	}

	keyMethod := directory.ByMatchedKeyDNMismatch
	if dn == "" {
		keyMethod = directory.ByMatchedKeyDNNotProvided
	}

	if query != nil {
		if dn != "" {
			for _, c := range candidates {
				if ldapclient.EqualDN(c.DN, dn, caseSensitive) {
					return result(c, directory.ByDNMatchedKey), nil
				}
			}
		}

		if len(candidates) == 1 && def.AcceptAsExistingDN(candidates[0].DN) {
			return result(candidates[0], keyMethod), nil
		}

		if uniqueID != "" && def.UniqueIdentifierAttribute() != "" {
			entry, err := findByUniqueIdentifier(ctx, sess, def, pkey, uniqueID)
			if err != nil {
				return nil, err
			}
			if entry != nil {
				return result(entry, keyMethod), nil
			}
		}

		for _, c := range candidates {
			if def.AcceptAsExistingDN(c.DN) {
				return result(c, directory.ByFirstFound), nil
			}
		}
	}

	if dn != "" {
		entry, err := lookupEntry(ctx, sess, def, dn)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return result(entry, directory.ByDNMismatchedKeys), nil
		}
	}

	return result(nil, directory.NotFound), nil
}

func findByUniqueIdentifier(ctx context.Context, sess ldapclient.Session, def directory.ObjectDefinition, pkey, uniqueID string) (*directory.Entry, error) {
	query, err := def.QueryForUniqueIdentifier(pkey, uniqueID)
	if err != nil {
		return nil, configError("unique identifier query: %v", err)
	}

	found, err := sess.Find(ctx, query)
	if err != nil {
		return nil, operationError("search", query.BaseDN, err)
	}

	for _, e := range directory.EntriesFromLDAP(found) {
		if def.AcceptAsExistingDN(e.DN) {
			return e, nil
		}
	}
	return nil, nil
}

// lookupEntry reads dn with user attributes and the unique identifier.
func lookupEntry(ctx context.Context, sess ldapclient.Session, def directory.ObjectDefinition, dn string) (*directory.Entry, error) {
	entry, err := sess.Lookup(ctx, dn, entryAttributes(def)...)
	if err != nil {
		return nil, operationError("lookup", dn, err)
	}
	return directory.EntryFromLDAP(entry), nil
}

func entryAttributes(def directory.ObjectDefinition) []string {
	attrs := []string{"*"}
	if id := def.UniqueIdentifierAttribute(); id != "" {
		attrs = append(attrs, id)
	}
	return attrs
}
