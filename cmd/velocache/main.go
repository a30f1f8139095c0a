// Command velocache inspects and maintains a velocity cache from the shell.
// It is meant for cron driven sweeping and for operators looking at what
// the cache holds.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/velocityphp/velocity-cache/cache"
	"github.com/velocityphp/velocity-cache/config"
	"github.com/velocityphp/velocity-cache/env"
	"github.com/velocityphp/velocity-cache/tui"
)

// app is the state shared by every subcommand.
type app struct {
	cfg   config.Config
	cache *cache.Cache
}

func newRootCommand() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "velocache",
		Short:         "Inspect and maintain the velocity cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to a YAML config file (env VELOCITY_CACHE_CONFIG)")
	flags.String("env-file", ".env", "env file consulted after the process environment")
	flags.String("driver", "", "storage driver: file, sqlite, redis or memory")
	flags.String("dir", "", "file store directory")
	flags.String("db", "", "sqlite database path")
	flags.String("redis-url", "", "redis connection URL")
	flags.String("log-level", "", "log level (env VELOCITY_LOG_LEVEL)")
	flags.String("log-format", "", "log format: console or json (env VELOCITY_LOG_FORMAT)")

	rootCmd.AddCommand(
		a.getCommand(),
		a.setCommand(),
		a.deleteCommand(),
		a.invalidateCommand(),
		a.clearCommand(),
		a.sweepCommand(),
		a.statsCommand(),
	)
	return rootCmd
}

// loadConfig applies, in increasing precedence, defaults, the config file,
// VELOCITY_CACHE_* variables (process environment, then env file) and flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	lines, err := env.ParseFile(envFile)
	if err != nil {
		return config.Config{}, err
	}
	lookup := env.WithFile(lines)

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path, _ = lookup(config.EnvPrefix + "_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return cfg, err
	}
	cfg.Driver = env.FlagOrEnv(cmd, "driver", config.EnvPrefix+"_DRIVER", cfg.Driver)
	cfg.Dir = env.FlagOrEnv(cmd, "dir", config.EnvPrefix+"_DIR", cfg.Dir)
	cfg.DB = env.FlagOrEnv(cmd, "db", config.EnvPrefix+"_DB", cfg.DB)
	cfg.RedisURL = env.FlagOrEnv(cmd, "redis-url", config.EnvPrefix+"_REDIS_URL", cfg.RedisURL)
	return cfg, nil
}

func (a *app) open(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	c, err := config.Open(cmd.Context(), cfg, env.NewLogger(cmd), nil)
	if err != nil {
		return err
	}
	if c.Disabled() {
		c.Close()
		return errors.Newf("cache storage (%s) is unavailable", cfg.Driver)
	}
	a.cfg = cfg
	a.cache = c
	return nil
}

func (a *app) close() error {
	if a.cache == nil {
		return nil
	}
	err := a.cache.Close()
	a.cache = nil
	return err
}

// namespace rejects namespaces outside the configured set.
func (a *app) namespace(ns string) (string, error) {
	if !a.cfg.AllowsNamespace(ns) {
		return "", errors.Newf("namespace %q is not configured", ns)
	}
	return ns, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		tui.ShowError(rootCmd.ErrOrStderr(), "%s", err)
		os.Exit(1)
	}
}
