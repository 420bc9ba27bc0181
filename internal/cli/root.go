// Package cli implements the syncqctl commands for inspecting and repairing a queue.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/UniQw/syncq"
	"github.com/UniQw/syncq/backend"
	"github.com/UniQw/syncq/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "text" | "json" | "yaml"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command for syncqctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncqctl",
		Short: "Inspect and repair an offline sync queue",
		Long: `syncqctl reads the queue snapshot that devices and sync workers share
and lets an operator list items, retry or drop failed ones, and clear a
lock left behind by a crashed flush.

Configuration comes from ./syncq.yaml (or --config) and SYNCQ_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return WrapExitError(ExitCommandError, "invalid format",
					fmt.Errorf("%q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default ./syncq.yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging to stderr")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")

	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))
	cmd.AddCommand(NewLockCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// openQueue builds the queue described by the configuration. The returned
// close function releases the backend connection.
func (o *RootOptions) openQueue(ctx context.Context, cmd *cobra.Command, extra ...syncq.QueueOption) (*syncq.Queue, func(), error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	logger := cfg.Log.NewLogger(cmd.ErrOrStderr()).With("namespace", cfg.Namespace)

	var (
		b       syncq.Backend
		closeFn func()
	)
	switch cfg.Backend {
	case "sqlite":
		lite, err := backend.OpenSQLite(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "failed to open sqlite backend", err)
		}
		b, closeFn = lite, func() { _ = lite.Close() }
	default:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, WrapExitError(ExitCommandError, "failed to connect to redis", err)
		}
		b, closeFn = backend.NewRedis(rdb), func() { _ = rdb.Close() }
	}

	qopts := []syncq.QueueOption{
		syncq.WithNamespace(cfg.Namespace),
		syncq.WithLogger(syncq.NewSlogLogger(logger)),
		syncq.WithLockStale(cfg.LockStale),
	}
	return syncq.NewQueue(b, append(qopts, extra...)...), closeFn, nil
}
