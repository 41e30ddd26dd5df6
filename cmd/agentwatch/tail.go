package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"agentwatch/internal/activity"
	"agentwatch/internal/present"
	"agentwatch/internal/stream"
	"agentwatch/internal/telemetry"
)

func newTailCmd(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "tail <job-id>",
		Short: "Print a job's agent activity as it arrives",
		Long: `Print each new activity event on stdout, one per line, and connection
state changes on stderr. Duplicates delivered across reconnects are printed
once. The command runs until interrupted or the stream is closed for good.

Examples:
  agentwatch tail 6f1c2d
  agentwatch tail 6f1c2d -o json | jq 'select(.status == "failed")'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := resolveJob(args, opts.cfg)
			if jobID == "" {
				return errors.New("a job id is required (argument, job: in config or AGENTWATCH_JOB)")
			}
			format := strings.ToLower(strings.TrimSpace(output))
			if format != "text" && format != "json" {
				return fmt.Errorf("unknown output format %q (text|json)", output)
			}
			return runTailCmd(cmd.Context(), opts, jobID, printer{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr(), format: format})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text|json)")
	return cmd
}

func runTailCmd(ctx context.Context, opts *rootOptions, jobID string, p printer) error {
	cfg := opts.cfg
	logger, closeLog, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	reg, metrics := newMetrics()
	manager := stream.NewManager(cfg.StreamTransport(), cfg.ManagerOptions(logger, metrics)...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tail(gctx, manager, jobID, cfg.Credentials(), p, metrics)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, reg, logger)
		})
	}
	return g.Wait()
}

type subscriber interface {
	Subscribe(jobID string, creds stream.Credentials) (*stream.Subscription, error)
}

// tail follows jobID until ctx is done (returns nil) or the subscription is
// closed for good (returns the reason).
func tail(ctx context.Context, sub subscriber, jobID string, creds stream.Credentials, p printer, metrics *telemetry.Metrics) error {
	s, err := sub.Subscribe(jobID, creds)
	if err != nil {
		return err
	}
	defer s.Unsubscribe()

	timeline := activity.NewTimeline(jobID)
	var fatal error
	for {
		n, err := s.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, stream.ErrClosed) {
				if fatal == nil {
					fatal = errors.New("stream closed")
				}
				return fatal
			}
			return err
		}

		if n.Event != nil {
			appended := timeline.Merge(*n.Event)
			metrics.Merged(appended)
			if appended {
				if err := p.event(*n.Event); err != nil {
					return err
				}
			}
			continue
		}
		if n.State == stream.StateClosedFatal && n.Err != nil {
			fatal = n.Err
		}
		p.notice(n)
	}
}

type printer struct {
	out    io.Writer
	errOut io.Writer
	format string
}

func (p printer) event(e activity.Event) error {
	if p.format == "json" {
		return json.NewEncoder(p.out).Encode(e)
	}
	agent := present.ForAgent(e.AgentName)
	status := present.ForStatus(e.Status)
	line := fmt.Sprintf("%s  %s %-10s  %s %s", e.ShortTime(), status.Icon, status.Label, agent.Icon, agent.Label)
	if action := strings.Join(strings.Fields(e.Action), " "); action != "" {
		line += "  " + action
	}
	_, err := fmt.Fprintln(p.out, line)
	return err
}

// notice reports state changes and errors on the error stream.
func (p printer) notice(n stream.Notification) {
	var serverErr *stream.ServerError
	switch {
	case errors.As(n.Err, &serverErr):
		fmt.Fprintf(p.errOut, "! server: %s\n", serverErr.Message)
	case n.Err != nil:
		fmt.Fprintf(p.errOut, "· %s (attempt %d): %v\n", present.ForConnection(n.State).Label, n.Attempt, n.Err)
	default:
		fmt.Fprintf(p.errOut, "· %s (attempt %d)\n", present.ForConnection(n.State).Label, n.Attempt)
	}
}
