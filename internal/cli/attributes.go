package cli

import (
	"context"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/isometry/ldap-connector/internal/connector"
	"github.com/isometry/ldap-connector/internal/directory"
)

func newRemoveAttributesCommand(a *app) *cobra.Command {
	target := &targetOptions{}

	cmd := &cobra.Command{
		Use:   "remove-attributes NAME...",
		Short: "Remove attributes from one entry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), func(ctx context.Context, conn *connector.Connector, def *directory.UIDObjectDefinition) error {
				eventID := uuid.NewString()
				modified, err := conn.RemoveAttributes(ctx, eventID, def, nil, target.target(), args)
				if err != nil {
					return err
				}
				a.out.printf("%s\t%s\n", eventID, status(modified))
				return nil
			})
		},
	}
	target.register(cmd)

	return cmd
}

// SetAttributeOptions holds flags for the set-attribute command.
type SetAttributeOptions struct {
	targetOptions
	RemoveThenAdd bool
}

func newSetAttributeCommand(a *app) *cobra.Command {
	opts := &SetAttributeOptions{}

	cmd := &cobra.Command{
		Use:   "set-attribute NAME [VALUE...]",
		Short: "Set one attribute on one entry",
		Long: `Set one attribute on one entry.

Without values the attribute is removed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value any
			if len(args) > 1 {
				value = args[1:]
			}

			return a.run(cmd.Context(), func(ctx context.Context, conn *connector.Connector, def *directory.UIDObjectDefinition) error {
				eventID := uuid.NewString()
				modified, err := conn.SetAttribute(ctx, eventID, def, nil, opts.target(), args[0], value, opts.RemoveThenAdd)
				if err != nil {
					return err
				}
				a.out.printf("%s\t%s\n", eventID, status(modified))
				return nil
			})
		},
	}
	opts.register(cmd)
	cmd.Flags().BoolVar(&opts.RemoveThenAdd, "remove-then-add", false, "delete existing values and add the new ones instead of replacing")

	return cmd
}

func newGUIDCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "guid DN",
		Short: "Print the globally unique identifier of an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), func(ctx context.Context, conn *connector.Connector, def *directory.UIDObjectDefinition) error {
				id, err := conn.GloballyUniqueIdentifier(ctx, def, args[0])
				if err != nil {
					return err
				}
				a.out.printf("%s\n", id)
				return nil
			})
		},
	}
}

func status(modified bool) string {
	if modified {
		return "modified"
	}
	return "unchanged"
}
