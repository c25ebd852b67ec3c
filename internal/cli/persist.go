package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"

	"github.com/isometry/ldap-connector/internal/connector"
	"github.com/isometry/ldap-connector/internal/directory"
)

// PersistOptions holds flags for the persist command.
type PersistOptions struct {
	Delete   bool
	Parallel int
	Context  map[string]string
}

func newPersistCommand(a *app) *cobra.Command {
	opts := &PersistOptions{}

	cmd := &cobra.Command{
		Use:   "persist [file]",
		Short: "Reconcile records read from a YAML or JSON stream",
		Long: `Reconcile records read from a YAML or JSON stream.

Each document in the stream is one record: a map of attribute names to
values, plus the dn pseudo-attribute and any dynamic attribute keys. Records
are read from the named file or from standard input.

Example:
  ldap-connector persist -c connector.yaml -d people <<EOF
  uid: jdoe
  dn: uid=jdoe,ou=people,dc=example,dc=com
  cn: John Doe
  mail: [jdoe@example.com]
  EOF`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			records, err := readRecords(in)
			if err != nil {
				return err
			}

			return a.run(cmd.Context(), func(ctx context.Context, conn *connector.Connector, def *directory.UIDObjectDefinition) error {
				return persistRecords(ctx, a.out, conn, def, opts, records)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Delete, "delete", false, "delete the entries instead of reconciling them")
	cmd.Flags().IntVarP(&opts.Parallel, "parallel", "p", 1, "records reconciled concurrently")
	cmd.Flags().StringToStringVar(&opts.Context, "context", nil, "callback context passed to events (key=value)")

	return cmd
}

// readRecords decodes every document in r. JSON documents are valid YAML.
func readRecords(r io.Reader) ([]map[string]any, error) {
	var records []map[string]any
	dec := yaml.NewDecoder(r)
	for i := 0; ; i++ {
		var rec map[string]any
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if len(rec) == 0 {
			continue
		}
		records = append(records, rec)
	}
}

func persistRecords(ctx context.Context, out *printer, conn *connector.Connector, def *directory.UIDObjectDefinition, opts *PersistOptions, records []map[string]any) error {
	cbCtx := make(directory.CallbackContext, len(opts.Context))
	for k, v := range opts.Context {
		cbCtx[k] = v
	}

	errs := make([]error, len(records))

	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(int64(max(opts.Parallel, 1)))
	for i, rec := range records {
		if err := sem.Acquire(ctx, 1); err != nil {
			errs[i] = fmt.Errorf("record %d: %w", i, err)
			continue
		}
		wg.Go(func() {
			defer sem.Release(1)

			eventID := uuid.NewString()
			pkey := "-"
			if v, ok := rec[def.PrimaryKeyAttribute()]; ok && v != nil {
				pkey = fmt.Sprint(v)
			}

			modified, err := conn.Persist(ctx, eventID, def, cbCtx, rec, opts.Delete)
			if err != nil {
				errs[i] = fmt.Errorf("record %d (%s): %w", i, pkey, err)
				out.printf("%s\t%s\terror\n", eventID, pkey)
				return
			}

			out.printf("%s\t%s\t%s\n", eventID, pkey, status(modified))
		})
	}
	wg.Wait()

	err := errors.Join(errs...)
	if err != nil {
		tflog.Error(ctx, "Some records failed", map[string]any{
			"records": len(records),
			"error":   err.Error(),
		})
	}
	return err
}

func newDeleteCommand(a *app) *cobra.Command {
	target := &targetOptions{}

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the entry at a DN and every entry holding a primary key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), func(ctx context.Context, conn *connector.Connector, def *directory.UIDObjectDefinition) error {
				rec := map[string]any{}
				if target.PKey != "" {
					rec[def.PrimaryKeyAttribute()] = target.PKey
				}
				if target.DN != "" {
					rec[directory.DNAttribute] = target.DN
				}
				return persistRecords(ctx, a.out, conn, def, &PersistOptions{Delete: true}, []map[string]any{rec})
			})
		},
	}
	target.register(cmd)
	_ = cmd.Flags().MarkHidden("unique-id")

	return cmd
}
