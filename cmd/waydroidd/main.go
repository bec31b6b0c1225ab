// Package main is the CLI entry point for waydroidd.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lxdroid/waydroidd/internal/daemon"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

var (
	dataDir        string
	commandTimeout time.Duration
	includeStale   bool
	jsonOutput     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "waydroidd",
	Short: "Supervisor daemon for the Waydroid container",
	Long: `waydroidd supervises a single Waydroid container: it drives lifecycle
transitions (start/stop/restart/freeze), samples resource usage while the
container runs, and keeps per-app drawer visibility in sync with the
container's exported apps.`,
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor daemon",
	Long: `Runs the supervisor in the foreground: the command queue, the resource
monitor and drift detection. The host settings application talks to this
process; stop it with SIGINT/SIGTERM.`,
	RunE: runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show container state and recent activity",
	RunE:  runStatus,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the container",
	RunE:  lifecycleCmd(func(ctx context.Context, s *daemon.Service) error { return s.Supervisor().Start(ctx) }),
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the container",
	RunE:  lifecycleCmd(func(ctx context.Context, s *daemon.Service) error { return s.Supervisor().Stop(ctx) }),
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the container",
	RunE:  lifecycleCmd(func(ctx context.Context, s *daemon.Service) error { return s.Supervisor().Restart(ctx) }),
}

var freezeCmd = &cobra.Command{
	Use:   "freeze",
	Short: "Freeze the running container",
	RunE:  lifecycleCmd(func(ctx context.Context, s *daemon.Service) error { return s.Supervisor().Freeze(ctx) }),
}

var unfreezeCmd = &cobra.Command{
	Use:   "unfreeze",
	Short: "Unfreeze a frozen container",
	RunE:  lifecycleCmd(func(ctx context.Context, s *daemon.Service) error { return s.Supervisor().Unfreeze(ctx) }),
}

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "List registered Android apps",
	RunE:  runApps,
}

var hideCmd = &cobra.Command{
	Use:   "hide <package>",
	Short: "Hide an app from the drawer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setVisibility(args[0], false)
	},
}

var showCmd = &cobra.Command{
	Use:   "show <package>",
	Short: "Show an app in the drawer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setVisibility(args[0], true)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and write preferences",
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a preference value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a preference value",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show recent resource samples",
	RunE:  runUsage,
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the container action audit trail",
	RunE:  runLogs,
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up container data and app entries",
	RunE:  runBackup,
}

var restoreCmd = &cobra.Command{
	Use:   "restore [backup-dir]",
	Short: "Restore container data from a backup (newest when omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRestore,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

func init() {
	defaults := daemon.DefaultConfig()
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaults.DataDir, "Settings database directory")
	rootCmd.PersistentFlags().DurationVar(&commandTimeout, "timeout", defaults.CommandTimeout, "External tool timeout")
	appsCmd.Flags().BoolVar(&includeStale, "all", false, "Include stale entries")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(freezeCmd)
	rootCmd.AddCommand(unfreezeCmd)
	rootCmd.AddCommand(appsCmd)
	rootCmd.AddCommand(hideCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(versionCmd)
}

func serviceConfig() daemon.Config {
	cfg := daemon.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.CommandTimeout = commandTimeout
	return cfg
}

// withService builds the core, runs the supervisor queue in the
// background and hands the service to fn. One-shot commands use this so
// they see the same validation and audit behavior as the daemon.
func withService(fn func(ctx context.Context, s *daemon.Service) error) error {
	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	svc, err := daemon.NewService(serviceConfig(), logger)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Store().Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Supervisor().Run(ctx) }()

	return fn(ctx, svc)
}

func lifecycleCmd(op func(ctx context.Context, s *daemon.Service) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, s *daemon.Service) error {
			if err := op(ctx, s); err != nil {
				return err
			}
			fmt.Printf("Container state: %s\n", s.Supervisor().GetState())
			return nil
		})
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	svc, err := daemon.NewService(serviceConfig(), logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, s *daemon.Service) error {
		fmt.Println("\n=== waydroidd Status ===")
		fmt.Printf("Container state: %s\n", s.Supervisor().GetState())
		if lastErr := s.Supervisor().LastError(); lastErr != "" {
			fmt.Printf("Last error: %s\n", lastErr)
		}

		entries, err := s.Store().RecentContainerLogs(5)
		if err == nil && len(entries) > 0 {
			fmt.Println("\nRecent actions:")
			for _, e := range entries {
				line := fmt.Sprintf("  %s  %-8s %s",
					e.Timestamp.Format(time.RFC3339), e.Action, e.Status)
				if e.Message != "" {
					line += "  " + e.Message
				}
				fmt.Println(line)
			}
		}

		samples, err := s.Store().RecentResourceSamples(1)
		if err == nil && len(samples) > 0 {
			latest := samples[0]
			fmt.Printf("\nLast sample (%s): cpu %.1f%%, ram %s, storage %s\n",
				latest.Timestamp.Format(time.RFC3339),
				latest.CPUUsage, humanBytes(latest.RAMUsage), humanBytes(latest.StorageUsage))
		}
		fmt.Println("========================")
		return nil
	})
}

func runApps(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, s *daemon.Service) error {
		apps, err := s.Registry().ListApps(includeStale)
		if err != nil {
			return err
		}
		if len(apps) == 0 {
			fmt.Println("No apps registered.")
			return nil
		}

		for _, app := range apps {
			flags := ""
			if !app.Visible {
				flags += " [hidden]"
			}
			if app.Stale {
				flags += " [stale]"
			}
			fmt.Printf("%-40s %s%s\n", app.PackageName, app.AppName, flags)
		}
		return nil
	})
}

func setVisibility(packageName string, visible bool) error {
	return withService(func(ctx context.Context, s *daemon.Service) error {
		if err := s.Registry().SetVisible(packageName, visible); err != nil {
			return err
		}
		if visible {
			fmt.Printf("%s is now visible in the drawer\n", packageName)
		} else {
			fmt.Printf("%s is now hidden from the drawer\n", packageName)
		}
		return nil
	})
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, s *daemon.Service) error {
		value, err := s.Store().GetPreference(args[0])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	})
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, s *daemon.Service) error {
		if err := s.Store().SetPreference(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", args[0], args[1])
		return nil
	})
}

func runUsage(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, s *daemon.Service) error {
		samples, err := s.Store().RecentResourceSamples(10)
		if err != nil {
			return err
		}
		if len(samples) == 0 {
			fmt.Println("No samples recorded yet (container must be running).")
			return nil
		}
		for _, sample := range samples {
			fmt.Printf("%s  cpu %5.1f%%  ram %10s  storage %10s\n",
				sample.Timestamp.Format(time.RFC3339),
				sample.CPUUsage, humanBytes(sample.RAMUsage), humanBytes(sample.StorageUsage))
		}
		return nil
	})
}

func runLogs(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, s *daemon.Service) error {
		entries, err := s.Store().RecentContainerLogs(50)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No container actions recorded yet.")
			return nil
		}
		for _, e := range entries {
			line := fmt.Sprintf("%s  %-8s %-8s", e.Timestamp.Format(time.RFC3339), e.Action, e.Status)
			if e.Message != "" {
				line += "  " + e.Message
			}
			fmt.Println(line)
		}
		return nil
	})
}

func runBackup(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, s *daemon.Service) error {
		dir, err := s.Backups().Backup(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Backup written to %s\n", dir)
		return nil
	})
}

func runRestore(cmd *cobra.Command, args []string) error {
	return withService(func(ctx context.Context, s *daemon.Service) error {
		dir := ""
		if len(args) > 0 {
			dir = args[0]
		}
		if err := s.Backups().Restore(ctx, dir); err != nil {
			return err
		}
		fmt.Println("Restore completed.")
		return nil
	})
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("waydroidd %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
	}
}

func createLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"/var/tmp/waydroidd.log", "stderr"}
	config.ErrorOutputPaths = []string{"/var/tmp/waydroidd.error.log", "stderr"}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func humanBytes(b float64) string {
	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	i := 0
	for b >= 1024 && i < len(units)-1 {
		b /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", b, units[i])
}
