package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"foreman/internal/config"
	"foreman/internal/delivery/server/bootstrap"
	"foreman/internal/shared/logging"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

// cli carries the resolved global flags. Flag values go through viper so
// FOREMAN_OUTPUT and friends work for the CLI-only settings too.
type cli struct {
	v *viper.Viper
}

func newRootCommand() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:   "foreman",
		Short: "Distributed task coordination: routing, verification gates, scaling and recovery",
		Long: fmt.Sprintf(`%s

Foreman routes tasks to workers, walks each task through its verification
gates, scales the worker pool with queue depth and quarantines tasks that
keep failing.

%s
  foreman serve --config foreman.yaml
  foreman task create --title "Fix flaky test" --gate pr_created
  foreman route t-123 --strategy least_loaded
  foreman dlq list --status pending
  foreman status`, styleBold("foreman"), styleBold("EXAMPLES:")),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "Path to the YAML config file (default $"+config.EnvPathVar+")")
	flags.String("log-level", "", "Log level (debug|info|warn|error)")
	flags.String("driver", "", "Storage driver (memory|postgres)")
	flags.String("database-url", "", "Postgres connection string")
	flags.StringP("output", "o", outputTable, "Output format (table|json)")

	c.v.SetEnvPrefix("FOREMAN")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	_ = c.v.BindPFlags(flags)

	root.AddCommand(
		newServeCommand(c),
		newMigrateCommand(c),
		newTaskCommand(c),
		newPlanCommand(c),
		newRouteCommand(c),
		newWorkerCommand(c),
		newScaleCommand(c),
		newDLQCommand(c),
		newEscalationCommand(c),
		newStatusCommand(c),
		newConfigCommand(c),
	)
	return root
}

func (c *cli) configPath() string {
	return strings.TrimSpace(c.v.GetString("config"))
}

func (c *cli) output() string {
	if strings.EqualFold(strings.TrimSpace(c.v.GetString("output")), outputJSON) {
		return outputJSON
	}
	return outputTable
}

// overrides only carries flags that were actually set, so file and env
// values are not clobbered by empty defaults.
func (c *cli) overrides(cmd *cobra.Command) config.Overrides {
	var o config.Overrides
	set := func(flag string) *string {
		if f := cmd.Flags().Lookup(flag); f == nil || !f.Changed {
			return nil
		}
		v := c.v.GetString(flag)
		return &v
	}
	o.LogLevel = set("log-level")
	o.DatabaseDriver = set("driver")
	o.DatabaseURL = set("database-url")
	return o
}

func (c *cli) loadConfig(cmd *cobra.Command, extra ...config.Option) (config.Config, config.Metadata, error) {
	opts := []config.Option{config.WithOverrides(c.overrides(cmd))}
	if path := c.configPath(); path != "" {
		opts = append(opts, config.WithConfigPath(path))
	}
	opts = append(opts, extra...)
	cfg, meta, err := config.Load(opts...)
	if err != nil {
		return config.Config{}, config.Metadata{}, err
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	return cfg, meta, nil
}

// withContainer runs fn against a freshly built container. The sweeper is
// never started for one-shot commands.
func (c *cli) withContainer(cmd *cobra.Command, fn func(ctx context.Context, ct *bootstrap.Container) error) error {
	cfg, _, err := c.loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ct, err := bootstrap.BuildContainer(ctx, cfg, logging.NewComponentLogger("Bootstrap"))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ct.Close(context.Background()); cerr != nil {
			fmt.Fprintln(os.Stderr, styleWarn("close: "+cerr.Error()))
		}
	}()
	if cfg.Database.Driver == config.DriverMemory {
		fmt.Fprintln(os.Stderr, styleWarn("using the in-memory store; changes are discarded when the command exits"))
	}
	return fn(ctx, ct)
}
