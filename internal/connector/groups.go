package connector

import (
	"context"
	"errors"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/ldap-connector/internal/ldap"
)

// applyGroupMembership adds memberDN to, or removes it from, each group.
// Groups that already hold (or already lack) the member are skipped. A
// failure on one group does not stop the others.
func applyGroupMembership(ctx context.Context, sess ldapclient.Session, attribute, memberDN string, groups []string, add bool) (bool, error) {
	op, tolerated := ldapclient.ModDelete, uint16(ldap.LDAPResultNoSuchAttribute)
	if add {
		op, tolerated = ldapclient.ModAdd, ldap.LDAPResultAttributeOrValueExists
	}

	var (
		modified bool
		errs     []error
	)
	for _, group := range groups {
		req := &ldapclient.ModifyRequest{
			DN: group,
			Changes: []ldapclient.Change{{
				Operation: op,
				Attribute: attribute,
				Values:    []string{memberDN},
			}},
		}

		err := sess.Modify(ctx, req)
		switch {
		case err == nil:
			modified = true
		case ldapclient.ResultCode(err) == tolerated:
			tflog.SubsystemTrace(ctx, ldapclient.SubsystemConnector, "Group membership already current", map[string]any{
				"group":  group,
				"member": memberDN,
				"op":     op.String(),
			})
		default:
			errs = append(errs, operationError("group "+op.String(), group, err))
		}
	}

	return modified, errors.Join(errs...)
}
