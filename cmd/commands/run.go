package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/maestro/internal/config"
	"github.com/dohr-michael/maestro/internal/events"
	"github.com/dohr-michael/maestro/internal/executor"
	"github.com/dohr-michael/maestro/internal/models"
	"github.com/dohr-michael/maestro/internal/runner"
	"github.com/dohr-michael/maestro/internal/skills"
	"github.com/dohr-michael/maestro/internal/storage"
)

// NewRunCommand returns the run subcommand.
func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a query over the registered skills",
		ArgsUsage: "<query>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "skill",
				Aliases: []string{"s"},
				Usage:   "Restrict the run to these skill ids (repeatable)",
			},
			&cli.StringFlag{
				Name:    "model",
				Aliases: []string{"m"},
				Usage:   "Model provider name (default: first planner-tagged provider)",
			},
			&cli.BoolFlag{
				Name:  "report",
				Usage: "Print the full markdown report instead of the summary",
			},
		},
		Action: runRun,
	}
}

func runRun(ctx context.Context, cmd *cli.Command) error {
	query := cmd.Args().First()
	if query == "" {
		return fmt.Errorf("usage: maestro run <query>")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	registry := skills.NewRegistry()
	for _, dir := range cfg.Skills.Dirs {
		if err := registry.LoadDir(dir); err != nil {
			slog.Warn("load skills", "dir", dir, "error", err)
		}
	}

	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	logger := storage.NewRunLogger(filepath.Join(config.MaestroPath(), "logs"), bus)
	defer logger.Close()

	unsubscribe := bus.Subscribe(printProgress,
		events.EventNodeStatus, events.EventNodeRetrying, events.EventNodeSkipped,
		events.EventNodeCompleted, events.EventSecurityViolation)
	defer unsubscribe()

	history, err := storage.OpenRunStore(cfg.Storage.HistoryDB)
	if err != nil {
		slog.Warn("run history disabled", "error", err)
		history = nil
	} else {
		defer history.Close()
	}

	r := runner.New(cfg, registry, models.NewRegistry(cfg.Models), bus, history)
	res, err := r.Run(ctx, query, runner.Options{
		SkillIDs: cmd.StringSlice("skill"),
		Model:    cmd.String("model"),
	})
	if err != nil {
		return err
	}

	if cmd.Bool("report") {
		fmt.Fprintln(os.Stdout, res.Markdown())
	} else {
		printSummary(res)
	}

	if !res.Success {
		return fmt.Errorf("run %s finished with failures", res.RunID)
	}
	return nil
}

func printProgress(e events.Event) {
	switch e.Type {
	case events.EventNodeStatus:
		if p, ok := events.ExtractPayload[events.NodeStatusPayload](e); ok {
			fmt.Fprintf(os.Stderr, "→ %s %s\n", p.SkillID, p.Status)
		}
	case events.EventNodeRetrying:
		if p, ok := events.ExtractPayload[events.NodeRetryingPayload](e); ok {
			fmt.Fprintf(os.Stderr, "↻ %s retrying (attempt %d, %s)\n", p.SkillID, p.Attempt, p.ErrorKind)
		}
	case events.EventNodeSkipped:
		if p, ok := events.ExtractPayload[events.NodeSkippedPayload](e); ok {
			fmt.Fprintf(os.Stderr, "– %s skipped (ancestor %s failed)\n", p.SkillID, p.FailedAncestor)
		}
	case events.EventNodeCompleted:
		if p, ok := events.GetNodeCompletedPayload(e); ok && p.Status != "skipped" {
			fmt.Fprintf(os.Stderr, "✓ %s %s (%d attempt(s))\n", p.SkillID, p.Status, p.Attempts)
		}
	case events.EventSecurityViolation:
		if p, ok := events.GetSecurityViolationPayload(e); ok {
			fmt.Fprintf(os.Stderr, "✗ %s blocked: %s\n", p.SkillID, p.Reason)
		}
	}
}

func printSummary(res *executor.Result) {
	succeeded, failed, skipped := res.Counts()
	fmt.Fprintf(os.Stdout, "\nrun %s: %d succeeded, %d failed, %d skipped (%s)\n",
		res.RunID, succeeded, failed, skipped, res.Duration.Round(time.Millisecond))
	for _, level := range res.Levels {
		for _, id := range level {
			n := res.Nodes[id]
			if n == nil {
				continue
			}
			line := fmt.Sprintf("  %-30s %s", id, n.Status)
			if n.ErrorKind != "" {
				line += " (" + n.ErrorKind + ")"
			}
			fmt.Fprintln(os.Stdout, line)
		}
	}
}
