// Package cli implements the ldap-connector command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
	"github.com/spf13/cobra"

	"github.com/isometry/ldap-connector/internal/config"
	"github.com/isometry/ldap-connector/internal/connector"
	"github.com/isometry/ldap-connector/internal/directory"
	"github.com/isometry/ldap-connector/internal/event"
	ldapclient "github.com/isometry/ldap-connector/internal/ldap"
)

// EnvLogLevel overrides --log-level.
const EnvLogLevel = "LDAP_CONNECTOR_LOG"

// stopTimeout bounds how long pending events are drained on exit.
const stopTimeout = 30 * time.Second

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	EnvFiles   []string
	LogLevel   string
	Definition string
	PrintEvent bool
}

// Target flags shared by the single-entry commands.
type targetOptions struct {
	PKey     string
	DN       string
	UniqueID string
}

func (t *targetOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&t.PKey, "pkey", "", "primary key of the entry")
	cmd.Flags().StringVar(&t.DN, "dn", "", "distinguished name of the entry")
	cmd.Flags().StringVar(&t.UniqueID, "unique-id", "", "globally unique identifier of the entry")
}

func (t *targetOptions) target() connector.Target {
	return connector.Target{PKey: t.PKey, DN: t.DN, UniqueID: t.UniqueID}
}

// dialFunc opens the directory. The returned function releases it.
type dialFunc func(ctx context.Context, cfg *config.Config) (connector.SessionProvider, func() error, error)

func dialDirectory(ctx context.Context, cfg *config.Config) (connector.SessionProvider, func() error, error) {
	client, err := ldapclient.NewClient(ctx, cfg.LDAPConfig())
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

type app struct {
	opts *RootOptions
	cfg  *config.Config
	dial dialFunc
	out  *printer
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(dialDirectory)
}

func newRootCommand(dial dialFunc) *cobra.Command {
	a := &app{opts: &RootOptions{}, dial: dial}

	cmd := &cobra.Command{
		Use:   "ldap-connector",
		Short: "Reconcile records into an LDAP directory",
		Long: `Reconcile records into an LDAP directory.

Entries are matched by primary key, DN and unique identifier according to
an object definition from the configuration file, then inserted, updated,
renamed or deleted as needed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			ctx, err := newLoggingContext(cmd.Context(), a.opts.LogLevel)
			if err != nil {
				return err
			}
			cmd.SetContext(ctx)

			a.out = newPrinter(cmd.OutOrStdout())
			return a.loadConfig(ctx)
		},
	}

	cmd.PersistentFlags().StringVarP(&a.opts.ConfigFile, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().StringSliceVar(&a.opts.EnvFiles, "env-file", []string{".env"}, "dotenv files loaded before reading LDAP_* variables")
	cmd.PersistentFlags().StringVar(&a.opts.LogLevel, "log-level", "warn", "log level (trace|debug|info|warn|error)")
	cmd.PersistentFlags().StringVarP(&a.opts.Definition, "definition", "d", "default", "object definition name")
	cmd.PersistentFlags().BoolVar(&a.opts.PrintEvent, "events", false, "print every event as a JSON line")

	cmd.AddCommand(newPersistCommand(a))
	cmd.AddCommand(newDeleteCommand(a))
	cmd.AddCommand(newRemoveAttributesCommand(a))
	cmd.AddCommand(newSetAttributeCommand(a))
	cmd.AddCommand(newGUIDCommand(a))

	return cmd
}

func newLoggingContext(ctx context.Context, level string) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		level = v
	}

	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	ctx = tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName("ldap-connector"),
		tfsdklog.WithLevel(lvl),
	)
	return ldapclient.NewLoggingContext(ctx), nil
}

func (a *app) loadConfig(ctx context.Context) error {
	if err := config.LoadEnvFiles(a.opts.EnvFiles...); err != nil {
		return err
	}

	cfg, err := config.Load(a.opts.ConfigFile)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	tflog.Debug(ctx, "Configuration loaded", ldapclient.SanitizeFields(map[string]any{
		"config_file":        a.opts.ConfigFile,
		"ldap_urls":          strings.Join(cfg.Connection.URLs, ","),
		"domain":             cfg.Connection.Domain,
		"bind_dn":            cfg.Connection.BindDN,
		"bind_password":      cfg.Connection.BindPassword,
		"async_events":       cfg.Events.Async,
		"object_definitions": len(cfg.ObjectDefinitions),
	}))

	a.cfg = cfg
	return nil
}

// run builds a connector for the selected definition, hands it to fn and
// drains pending events before returning.
func (a *app) run(ctx context.Context, fn func(context.Context, *connector.Connector, *directory.UIDObjectDefinition) error) error {
	def, err := a.cfg.Definition(a.opts.Definition)
	if err != nil {
		return err
	}

	sessions, release, err := a.dial(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if cerr := release(); cerr != nil {
			tflog.Warn(ctx, "Failed to close directory client", map[string]any{"error": cerr.Error()})
		}
	}()

	registry := event.NewRegistry()
	if a.opts.PrintEvent {
		registry.OnAll(a.out.event)
	}

	conn := connector.New(sessions, event.NewDispatcher(registry, a.cfg.EventOptions()))
	conn.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		if serr := conn.Stop(stopCtx); serr != nil {
			tflog.Warn(ctx, "Pending events were not delivered", map[string]any{"error": serr.Error()})
		}
	}()

	return fn(ctx, conn, def)
}
