package main

import (
	"context"
	"errors"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"agentwatch/internal/stream"
	"agentwatch/internal/tui"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [job-id]",
		Short: "Open the live dashboard for a job",
		Long: `Open a terminal dashboard that follows one job's agent activity.

The connection indicator shows connecting, live, reconnecting or
disconnected. Press / to switch to another job, r to reconnect after the
stream was closed, and q to quit.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), opts, resolveJob(args, opts.cfg))
		},
	}
	cmd.Flags().Bool("alt-screen", true, "Use the alternate screen buffer")
	return cmd
}

func runWatch(parent context.Context, opts *rootOptions, jobID string) error {
	cfg := opts.cfg
	// the dashboard owns the terminal, so logs only go to --log-file
	logger, closeLog, err := newLogger(cfg, io.Discard)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	reg, metrics := newMetrics()
	manager := stream.NewManager(cfg.StreamTransport(), cfg.ManagerOptions(logger, metrics)...)
	model := tui.New(tui.Options{
		JobID:       jobID,
		Subscriber:  manager,
		Credentials: cfg.Credentials(),
		Metrics:     metrics,
		Logger:      logger,
	})

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	programOpts := []tea.ProgramOption{tea.WithContext(gctx), tea.WithMouseCellMotion()}
	if cfg.AltScreen {
		programOpts = append(programOpts, tea.WithAltScreen())
	}
	program := tea.NewProgram(model, programOpts...)

	g.Go(func() error {
		defer cancel()
		final, err := program.Run()
		if m, ok := final.(tui.Model); ok {
			m.Close()
		}
		if errors.Is(err, tea.ErrProgramKilled) && parent.Err() != nil {
			return nil
		}
		return err
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, reg, logger)
		})
	}
	return g.Wait()
}
