// Package cli builds the two command-line surfaces: unitd (the daemon)
// and unitctl (the control client). Both share the cobra root-command
// shape: persistent flags, subcommands with RunE, version injected by the
// build.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/unitman/internal/config"
	"github.com/ChuLiYu/unitman/internal/control"
	"github.com/ChuLiYu/unitman/internal/manager"
	"github.com/ChuLiYu/unitman/internal/metrics"
)

// Version is overridden at build time via ldflags.
var Version = "dev"

// BuildDaemonCLI assembles the unitd command tree.
func BuildDaemonCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:     "unitd",
		Short:   "unitd: the unit job-execution daemon",
		Long:    "unitd runs the job-execution core: the unit registry, the\ntransaction engine, the run-queue scheduler, and the automount\nunit kind, exposed over a gRPC control plane.",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configFile)
		},
	}
	rootCmd.AddCommand(runCmd)

	return rootCmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runDaemon(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := slog.Default()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			log.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("metrics server failed", "err", err)
			}
		}()
	}

	mgr, err := manager.New(manager.Config{
		SnapshotPath:         cfg.Snapshot.Path,
		JournalPath:          cfg.Journal.Path,
		JournalBufferSize:    cfg.Journal.BufferSize,
		JournalFlushInterval: cfg.JournalFlushInterval(),
		SnapshotInterval:     cfg.SnapshotInterval(),
		Metrics:              collector,
		Sync:                 syscall.Sync,
		Log:                  log,
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	if err := mgr.Start(); err != nil {
		return fmt.Errorf("failed to start manager: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.Control.Listen)
	if err != nil {
		mgr.Stop()
		return fmt.Errorf("failed to listen on %s: %w", cfg.Control.Listen, err)
	}
	grpcServer := grpc.NewServer()
	control.NewServer(mgr, log).Register(grpcServer)
	go func() {
		log.Info("control plane listening", "address", cfg.Control.Listen)
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("control plane failed", "err", err)
		}
	}()

	log.Info("unitd started", "version", Version)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutdown signal received, stopping")
	grpcServer.GracefulStop()
	mgr.Stop()
	return nil
}

// BuildControlCLI assembles the unitctl command tree.
func BuildControlCLI() *cobra.Command {
	var address string
	var mode string

	rootCmd := &cobra.Command{
		Use:     "unitctl",
		Short:   "unitctl: control a running unitd",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVarP(&address, "address", "a", "127.0.0.1:50051", "daemon control address")
	rootCmd.PersistentFlags().StringVarP(&mode, "mode", "m", "replace", "transaction mode (fail, replace, replace-irreversibly, isolate, flush, ignore-dependencies, ignore-requirements)")

	dial := func() (*control.Client, error) {
		return control.Dial(address)
	}

	jobVerb := func(use, short string, call func(*control.Client, context.Context, string, string) (*control.JobReply, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " UNIT",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := dial()
				if err != nil {
					return err
				}
				defer c.Close()
				reply, err := call(c, cmd.Context(), args[0], mode)
				if err != nil {
					return err
				}
				fmt.Printf("queued job %d for %s\n", reply.ID, args[0])
				return nil
			},
		}
	}

	rootCmd.AddCommand(jobVerb("start", "Start a unit", func(c *control.Client, ctx context.Context, unit, mode string) (*control.JobReply, error) {
		return c.StartUnit(ctx, unit, mode)
	}))
	rootCmd.AddCommand(jobVerb("stop", "Stop a unit", func(c *control.Client, ctx context.Context, unit, mode string) (*control.JobReply, error) {
		return c.StopUnit(ctx, unit, mode)
	}))
	rootCmd.AddCommand(jobVerb("reload", "Reload a unit", func(c *control.Client, ctx context.Context, unit, mode string) (*control.JobReply, error) {
		return c.ReloadUnit(ctx, unit, mode)
	}))
	rootCmd.AddCommand(jobVerb("restart", "Restart a unit", func(c *control.Client, ctx context.Context, unit, mode string) (*control.JobReply, error) {
		return c.RestartUnit(ctx, unit, mode)
	}))
	rootCmd.AddCommand(jobVerb("try-restart", "Restart a unit if it is running", func(c *control.Client, ctx context.Context, unit, mode string) (*control.JobReply, error) {
		return c.TryRestartUnit(ctx, unit, mode)
	}))
	rootCmd.AddCommand(jobVerb("isolate", "Start a unit and stop everything else", func(c *control.Client, ctx context.Context, unit, _ string) (*control.JobReply, error) {
		return c.IsolateUnit(ctx, unit)
	}))

	statusCmd := &cobra.Command{
		Use:   "status UNIT",
		Short: "Show a unit's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			st, err := c.GetUnitProperties(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", st.ID)
			fmt.Printf("  Load:   %s\n", st.LoadState)
			fmt.Printf("  Active: %s (%s)\n", st.ActiveState, st.SubState)
			if st.JobID != 0 {
				fmt.Printf("  Job:    %d (%s)\n", st.JobID, st.JobType)
			}
			rels := make([]string, 0, len(st.Dependencies))
			for rel := range st.Dependencies {
				rels = append(rels, rel)
			}
			sort.Strings(rels)
			for _, rel := range rels {
				fmt.Printf("  %s: %v\n", rel, st.Dependencies[rel])
			}
			return nil
		},
	}
	rootCmd.AddCommand(statusCmd)

	listCmd := &cobra.Command{
		Use:   "list-units",
		Short: "List every unit the daemon knows",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			units, err := c.ListUnits(cmd.Context())
			if err != nil {
				return err
			}
			sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
			fmt.Printf("%-40s %-10s %-12s %s\n", "UNIT", "LOAD", "ACTIVE", "SUB")
			for _, u := range units {
				fmt.Printf("%-40s %-10s %-12s %s\n", u.ID, u.LoadState, u.ActiveState, u.SubState)
			}
			return nil
		},
	}
	rootCmd.AddCommand(listCmd)

	resetCmd := &cobra.Command{
		Use:   "reset-failed UNIT",
		Short: "Clear a unit's failed state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.ResetFailedUnit(cmd.Context(), args[0])
		},
	}
	rootCmd.AddCommand(resetCmd)

	return rootCmd
}
