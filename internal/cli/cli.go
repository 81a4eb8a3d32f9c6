// ============================================================================
// Parliament CLI - Command Line Interface
// ============================================================================
//
// Command Structure:
//   parliament                     # Root command
//   ├── minister                   # Run a coordinator replica
//   ├── consensus                  # Run a consensus replica
//   ├── status                     # Query a running process's admin service
//   ├── --config, -c               # YAML config file (defaults when empty)
//   └── --log-level                # debug | info | warn | error
//
// minister and consensus both:
//   1. Load the config file and apply flag overrides
//   2. Build and start the replica
//   3. Start the metrics HTTP server and admin gRPC service (if enabled)
//   4. Wait for SIGINT or SIGTERM, then stop everything
//
//   Examples:
//     parliament minister --worker-addr 0.0.0.0:1240 --user-addr 0.0.0.0:1241
//     parliament consensus --initial --export 10.0.0.1:3060:3061:3062 \
//         --masters 10.0.0.2:1240:1241,10.0.0.3:1240:1241
//     parliament consensus --leader 10.0.0.1:3060 --export 10.0.0.4:3060:3061:3062
//     parliament status --addr 10.0.0.2:50051
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/adeboyed/Parliament/internal/admin"
	"github.com/adeboyed/Parliament/internal/metrics"
)

var (
	configFile string
	logLevel   string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parliament",
		Short: "Parliament: a replicated job execution cluster",
		Long: `Parliament runs chains of map jobs on a pool of workers with:
- coordinator replicas (ministers) that schedule tasks
- consensus replicas that broadcast every request to all ministers
- majority voting over minister responses`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd.ErrOrStderr(), logLevel)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(buildMinisterCommand())
	rootCmd.AddCommand(buildConsensusCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func setupLogging(w io.Writer, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
	return nil
}

// ============================================================================
// minister
// ============================================================================

func buildMinisterCommand() *cobra.Command {
	var (
		workerAddr string
		userAddr   string
		threads    int
		consensus  bool
	)

	cmd := &cobra.Command{
		Use:   "minister",
		Short: "Start a coordinator replica",
		Long:  "Start a coordinator replica serving workers and users, standalone or behind consensus replicas",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			f := cmd.Flags()
			if f.Changed("worker-addr") {
				cfg.Minister.WorkerAddr = workerAddr
			}
			if f.Changed("user-addr") {
				cfg.Minister.UserAddr = userAddr
			}
			if f.Changed("threads") {
				cfg.Minister.TransmissionThreads = threads
			}
			if f.Changed("consensus") {
				cfg.Minister.ConsensusMode = consensus
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			return runMinister(cfg)
		},
	}

	cmd.Flags().StringVar(&workerAddr, "worker-addr", "", "address of the worker port")
	cmd.Flags().StringVar(&userAddr, "user-addr", "", "address of the user port")
	cmd.Flags().IntVarP(&threads, "threads", "t", 0, "update transmission threads")
	cmd.Flags().BoolVar(&consensus, "consensus", false, "run behind consensus replicas (sequenced frames, passive until told)")

	return cmd
}

func runMinister(cfg *Config) error {
	ctx, stop := signalContext()
	defer stop()

	m := metrics.NewCollector()
	node, err := NewMinister(cfg.Minister, m)
	if err != nil {
		return fmt.Errorf("failed to create minister: %w", err)
	}
	defer node.Stop()

	stopAux, err := startAuxiliary(cfg, node.Stats())
	if err != nil {
		return err
	}
	defer stopAux()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("failed to start minister: %w", err)
	}

	<-ctx.Done()
	slog.Info("Received shutdown signal, stopping gracefully")
	return nil
}

// ============================================================================
// consensus
// ============================================================================

func buildConsensusCommand() *cobra.Command {
	var (
		export  string
		leader  string
		initial bool
		masters []string
	)

	cmd := &cobra.Command{
		Use:   "consensus",
		Short: "Start a consensus replica",
		Long:  "Start the consensus leader (--initial --masters ...) or a follower (--leader IP:ConPort)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			f := cmd.Flags()
			if f.Changed("export") {
				cfg.Consensus.Export = export
			}
			if f.Changed("leader") {
				cfg.Consensus.Leader = leader
			}
			if f.Changed("initial") {
				cfg.Consensus.Initial = initial
			}
			if f.Changed("masters") {
				cfg.Consensus.Masters = masters
			}
			if cfg.Consensus.Initial == (cfg.Consensus.Leader != "") {
				return errors.New("exactly one of --initial or --leader is required")
			}
			return runConsensus(cfg)
		},
	}

	cmd.Flags().StringVarP(&export, "export", "e", "", "exported IP:ConPort:WorkerPort:UserPort")
	cmd.Flags().StringVarP(&leader, "leader", "l", "", "leader IP:ConPort (followers)")
	cmd.Flags().BoolVarP(&initial, "initial", "i", false, "start as the consensus leader")
	cmd.Flags().StringSliceVarP(&masters, "masters", "m", nil, "coordinator replicas as Host:WorkerPort:UserPort (leader)")

	return cmd
}

func runConsensus(cfg *Config) error {
	ctx, stop := signalContext()
	defer stop()

	m := metrics.NewCollector()
	node, err := NewConsensusNode(cfg.Consensus, m)
	if err != nil {
		return fmt.Errorf("failed to create consensus replica: %w", err)
	}
	defer node.Stop()

	stopAux, err := startAuxiliary(cfg, node.Stats())
	if err != nil {
		return err
	}
	defer stopAux()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("failed to start consensus replica: %w", err)
	}

	<-ctx.Done()
	slog.Info("Received shutdown signal, stopping gracefully")
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of a running process",
		Long:  "Query the admin service of a minister or consensus replica and print its counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				addr = fmt.Sprintf("127.0.0.1:%d", cfg.Admin.Port)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return showStatus(ctx, cmd.OutOrStdout(), addr)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "admin service address (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func showStatus(ctx context.Context, w io.Writer, addr string) error {
	conn, err := admin.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	stats, err := admin.NewClient(conn).GetStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stats from %s: %w", addr, err)
	}
	values := stats.AsMap()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	fmt.Fprintf(w, "Parliament status (%s)\n", addr)
	fmt.Fprintln(w, strings.Repeat("=", 40))
	for _, k := range keys {
		fmt.Fprintf(w, "  %-16s %v\n", k+":", values[k])
	}
	return nil
}

// ============================================================================
// Shared plumbing
// ============================================================================

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// startAuxiliary starts the metrics endpoint and the admin service when
// enabled. The returned func stops both.
func startAuxiliary(cfg *Config, stats admin.StatsFunc) (func(), error) {
	var stops []func()
	stopAll := func() {
		for _, s := range slices.Backward(stops) {
			s()
		}
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			slog.Info("Starting metrics server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server error", "error", err)
			}
		}()
		stops = append(stops, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}

	if cfg.Admin.Enabled {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Admin.Port))
		if err != nil {
			stopAll()
			return nil, fmt.Errorf("failed to listen on admin port %d: %w", cfg.Admin.Port, err)
		}
		srv := admin.NewServer(stats)
		go func() {
			if err := srv.Serve(lis); err != nil {
				slog.Error("Admin server error", "error", err)
			}
		}()
		stops = append(stops, srv.Stop)
	}

	return stopAll, nil
}
