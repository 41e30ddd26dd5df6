package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"agentwatch/internal/config"
	"agentwatch/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(&rootOptions{}).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	cfg        config.Config
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	defaults := config.Default()

	root := &cobra.Command{
		Use:   "agentwatch",
		Short: "Follow the agents of a remote analysis job as they work",
		Long: `agentwatch subscribes to the live activity feed of an analysis job and
keeps a deduplicated, arrival-ordered timeline of what each agent reports.

Examples:
  # Open the dashboard for a job
  agentwatch watch 6f1c2d --server https://analytics.internal

  # Print events as JSON lines, reading the token from a file
  agentwatch tail 6f1c2d --token-file ~/.config/agentwatch/token -o json

  # Subscribe straight to Redis from inside the cluster
  agentwatch tail 6f1c2d --transport redis --redis-addr redis:6379`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg)
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			opts.cfg = cfg
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML config file (default $AGENTWATCH_CONFIG)")
	flags.String("server", defaults.ServerURL, "Analysis server base URL")
	flags.String("events-path", defaults.EventsPath, "Event stream path; {job} is replaced by the job id")
	flags.Bool("token-query", defaults.TokenQuery, "Also send the token as a ?token= query parameter")
	flags.String("transport", defaults.Transport, "Stream transport (sse|redis)")
	flags.String("redis-addr", defaults.Redis.Addr, "Redis address for the redis transport")
	flags.String("redis-username", defaults.Redis.Username, "Redis ACL user")
	flags.Int("redis-db", defaults.Redis.DB, "Redis database")
	flags.String("redis-channel-prefix", defaults.Redis.ChannelPrefix, "Pub/sub channel prefix; the job id is appended")
	flags.String("token", "", "Bearer token (prefer --token-file or --token-env)")
	flags.String("token-file", defaults.TokenFile, "File holding the bearer token, re-read on every reconnect")
	flags.String("token-env", defaults.TokenEnv, "Environment variable holding the bearer token")
	flags.Bool("check-expiry", defaults.CheckExpiry, "Refuse JWTs whose exp claim has passed before connecting")
	flags.String("reconnect", defaults.Reconnect.Strategy, "Reconnect strategy (constant|exponential)")
	flags.Duration("reconnect-delay", defaults.Reconnect.Delay, "Delay before reconnecting (initial delay for exponential)")
	flags.Duration("reconnect-max-delay", defaults.Reconnect.MaxDelay, "Upper bound for exponential reconnect delay")
	flags.Duration("connect-timeout", defaults.ConnectTimeout, "Give up on a connection attempt after this long")
	flags.Duration("idle-timeout", defaults.IdleTimeout, "Drop an open stream silent for this long (0 disables)")
	flags.String("log-file", defaults.LogFile, "Write logs to this file")
	flags.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
	flags.String("metrics-addr", defaults.MetricsAddr, "Serve Prometheus metrics on this address, e.g. :9464")

	root.AddCommand(newWatchCmd(opts), newTailCmd(opts))
	return root
}

// applyFlags copies only flags set on the command line, so they win over the
// file and environment without flag defaults clobbering them.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	fs := cmd.Flags()
	str := func(name string, dst *string) {
		if fs.Changed(name) {
			*dst, _ = fs.GetString(name)
		}
	}
	boolean := func(name string, dst *bool) {
		if fs.Changed(name) {
			*dst, _ = fs.GetBool(name)
		}
	}
	duration := func(name string, dst *time.Duration) {
		if fs.Changed(name) {
			*dst, _ = fs.GetDuration(name)
		}
	}

	str("server", &cfg.ServerURL)
	str("events-path", &cfg.EventsPath)
	boolean("token-query", &cfg.TokenQuery)
	str("transport", &cfg.Transport)
	str("redis-addr", &cfg.Redis.Addr)
	str("redis-username", &cfg.Redis.Username)
	if fs.Changed("redis-db") {
		cfg.Redis.DB, _ = fs.GetInt("redis-db")
	}
	str("redis-channel-prefix", &cfg.Redis.ChannelPrefix)
	str("token", &cfg.Token)
	str("token-file", &cfg.TokenFile)
	str("token-env", &cfg.TokenEnv)
	boolean("check-expiry", &cfg.CheckExpiry)
	str("reconnect", &cfg.Reconnect.Strategy)
	duration("reconnect-delay", &cfg.Reconnect.Delay)
	duration("reconnect-max-delay", &cfg.Reconnect.MaxDelay)
	duration("connect-timeout", &cfg.ConnectTimeout)
	duration("idle-timeout", &cfg.IdleTimeout)
	str("log-file", &cfg.LogFile)
	str("log-level", &cfg.LogLevel)
	str("metrics-addr", &cfg.MetricsAddr)
	if fs.Lookup("alt-screen") != nil {
		boolean("alt-screen", &cfg.AltScreen)
	}
}

// resolveJob prefers the positional argument over the configured job.
func resolveJob(args []string, cfg config.Config) string {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0])
	}
	return cfg.Job
}

// newLogger writes to cfg.LogFile when set, otherwise to fallback.
func newLogger(cfg config.Config, fallback io.Writer) (*slog.Logger, func() error, error) {
	out := fallback
	closer := func() error { return nil }
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closer = f.Close
	}
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: cfg.Level()})
	return slog.New(handler), closer, nil
}

func newMetrics() (*prometheus.Registry, *telemetry.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, telemetry.NewMetrics(reg)
}

// serveMetrics runs the /metrics endpoint until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "err", err)
		}
		return nil
	}
}
