package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"foreman/internal/config"
	"foreman/internal/delivery/server/bootstrap"
	"foreman/internal/shared/logging"
)

func newServeCommand(c *cli) *cobra.Command {
	var (
		addr      string
		noSweeper bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the background sweeper and config hot reload",
		RunE: func(cmd *cobra.Command, _ []string) error {
			overrides := config.Overrides{}
			if cmd.Flags().Changed("addr") {
				overrides.ServerAddr = &addr
			}
			if noSweeper {
				disabled := false
				overrides.SweeperEnabled = &disabled
			}
			cfg, meta, err := c.loadConfig(cmd, config.WithOverrides(mergeOverrides(c.overrides(cmd), overrides)))
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return bootstrap.RunServer(ctx, cfg, meta.Path(), logging.NewComponentLogger("Server"))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&noSweeper, "no-sweeper", false, "Do not run the background sweeper")
	return cmd
}

func mergeOverrides(base, extra config.Overrides) config.Overrides {
	if extra.ServerAddr != nil {
		base.ServerAddr = extra.ServerAddr
	}
	if extra.SweeperEnabled != nil {
		base.SweeperEnabled = extra.SweeperEnabled
	}
	if extra.DefaultStrategy != nil {
		base.DefaultStrategy = extra.DefaultStrategy
	}
	return base
}

func newMigrateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				if ct.Config.Database.Driver != config.DriverPostgres {
					return fmt.Errorf("migrate needs the postgres driver, got %q", ct.Config.Database.Driver)
				}
				if err := ct.DB.EnsureSchema(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), styleOK("schema is up to date"))
				return nil
			})
		},
	}
}

func newConfigCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the resolved configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, meta, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Database.URL != "" {
				cfg.Database.URL = "<redacted>"
			}
			if cfg.GitHub.Token != "" {
				cfg.GitHub.Token = "<redacted>"
			}
			if cfg.Railway.Token != "" {
				cfg.Railway.Token = "<redacted>"
			}
			if c.output() == outputJSON {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			if meta.Path() != "" {
				fmt.Fprintln(cmd.OutOrStdout(), styleMuted("# loaded from "+meta.Path()))
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, _, err := c.loadConfig(cmd); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), styleOK("configuration is valid"))
			return nil
		},
	})
	return cmd
}
