package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kota-suzu/StockRx-sub003/pkg/config"
	"github.com/kota-suzu/StockRx-sub003/pkg/health"
	"github.com/kota-suzu/StockRx-sub003/pkg/migrationlock"
	"github.com/kota-suzu/StockRx-sub003/pkg/migrationlock/factory"
	"github.com/kota-suzu/StockRx-sub003/pkg/observability/logger"
	"github.com/kota-suzu/StockRx-sub003/pkg/version"
)

const serviceName = "lockctl"

// NewLockctlCommand builds the admin CLI for inspecting and recovering
// migration locks.
func NewLockctlCommand() *cobra.Command {
	var cfgPath string
	var envPrefix string

	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Inspect and manage StockRx migration locks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envPrefix, "env-prefix", "", "environment variable prefix (default STOCKRX)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")

	locksCmd := &cobra.Command{
		Use:   "locks",
		Short: "Migration lock operations",
	}
	locksCmd.AddCommand(
		newLocksListCommand(&cfgPath, &envPrefix),
		newLocksInfoCommand(&cfgPath, &envPrefix),
		newLocksForceReleaseCommand(&cfgPath, &envPrefix),
	)

	rootCmd.AddCommand(
		locksCmd,
		newCheckCommand(&cfgPath, &envPrefix),
		newVersionCommand(),
	)
	return rootCmd
}

func newLocksListCommand(cfgPath, envPrefix *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List currently held migration locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, *cfgPath, *envPrefix, func(ctx context.Context, coordinator *migrationlock.Coordinator) error {
				records, err := coordinator.ActiveLocks(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd, records)
				}
				if len(records) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no active migration locks")
					return nil
				}
				for _, record := range records {
					printLockInfo(cmd, record)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON output")
	return cmd
}

func newLocksInfoCommand(cfgPath, envPrefix *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "info <name>",
		Short: "Show the holder of one migration lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, *cfgPath, *envPrefix, func(ctx context.Context, coordinator *migrationlock.Coordinator) error {
				record, err := coordinator.Info(ctx, args[0])
				if err != nil {
					return err
				}
				if record == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "lock %q is not held\n", args[0])
					return nil
				}
				if asJSON {
					return printJSON(cmd, record)
				}
				printLockInfo(cmd, *record)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON output")
	return cmd
}

func newLocksForceReleaseCommand(cfgPath, envPrefix *string) *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "force-release <name>",
		Short: "Remove a migration lock without an ownership check",
		Long: "Removes a migration lock regardless of who holds it. The running " +
			"holder keeps executing but loses its lease; use only for incident recovery.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return fmt.Errorf("force-release bypasses lock ownership; re-run with --yes to confirm")
			}
			return withCoordinator(cmd, *cfgPath, *envPrefix, func(ctx context.Context, coordinator *migrationlock.Coordinator) error {
				if err := coordinator.ForceRelease(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "lock %q force released\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "confirm the unconditional release")
	return cmd
}

func newCheckCommand(cfgPath, envPrefix *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify lock backend connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, *cfgPath, *envPrefix, func(ctx context.Context, store migrationlock.Store, _ logger.Logger) error {
				registry := health.NewRegistry()
				registry.Register(migrationlock.NewStoreHealthChecker("", store, 5*time.Second))

				result := registry.Check(ctx)
				if err := printJSON(cmd, result); err != nil {
					return err
				}
				if result.Status != health.StatusHealthy {
					return fmt.Errorf("lock backend is unhealthy")
				}
				return nil
			})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd, version.Current(serviceName))
		},
	}
}

func withCoordinator(cmd *cobra.Command, cfgPath, envPrefix string, fn func(ctx context.Context, coordinator *migrationlock.Coordinator) error) error {
	return withStore(cmd, cfgPath, envPrefix, func(ctx context.Context, store migrationlock.Store, log logger.Logger) error {
		coordinator, err := migrationlock.NewCoordinator(store, log)
		if err != nil {
			return err
		}
		return fn(ctx, coordinator)
	})
}

func withStore(cmd *cobra.Command, cfgPath, envPrefix string, fn func(ctx context.Context, store migrationlock.Store, log logger.Logger) error) error {
	cfg, err := config.NewViperLoader(cfgPath, envPrefix).Load()
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd.Flags(), cfg)
	log, err := buildLogger(cfg)
	if err != nil {
		return err
	}

	store, err := factory.NewStore(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Warn("closing lock store failed", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, store, log)
}

// applyFlagOverrides lets command-line flags win over file and environment
// configuration.
func applyFlagOverrides(flags *pflag.FlagSet, cfg *config.Config) {
	if flags == nil || cfg == nil {
		return
	}
	if flags.Changed("log-level") {
		if level, err := flags.GetString("log-level"); err == nil {
			cfg.Logger.Level = level
		}
	}
}

func buildLogger(cfg *config.Config) (logger.Logger, error) {
	level, err := logger.ParseLogLevel(cfg.Logger.Level)
	if err != nil {
		return nil, err
	}
	format, err := logger.ParseLogFormat(cfg.Logger.Format)
	if err != nil {
		return nil, err
	}
	return logger.NewZapLogger(logger.Config{Level: level, Format: format})
}

func printLockInfo(cmd *cobra.Command, record migrationlock.Info) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s\tholder=%s pid=%d locked_at=%s expires_in=%s\n",
		record.Name,
		record.Token.Host,
		record.Token.PID,
		record.LockedAt.Format(time.RFC3339),
		record.TTL.Round(time.Second),
	)
}

func printJSON(cmd *cobra.Command, payload any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
