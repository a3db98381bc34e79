package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/maestro/internal/storage"
)

// NewHistoryCommand returns the history subcommand.
func NewHistoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Browse past runs",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List recent runs",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"n"},
						Usage:   "Maximum number of runs to show",
						Value:   20,
					},
				},
				Action: runHistoryList,
			},
			{
				Name:      "show",
				Usage:     "Show the report of one run",
				ArgsUsage: "<run_id>",
				Action:    runHistoryShow,
			},
		},
		DefaultCommand: "list",
	}
}

func openHistory(cmd *cli.Command) (*storage.RunStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return storage.OpenRunStore(cfg.Storage.HistoryDB)
}

func runHistoryList(ctx context.Context, cmd *cli.Command) error {
	store, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tNODES\tDURATION\tWHEN\tQUERY")
	for _, r := range runs {
		status := "ok"
		if !r.Success {
			status = "failed"
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d/%d\t%s\t%s\t%s\n",
			r.ID,
			status,
			r.Succeeded, r.Failed, r.Skipped,
			r.Duration.Round(time.Millisecond),
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			r.Query,
		)
	}
	return w.Flush()
}

func runHistoryShow(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: maestro history show <run_id>")
	}

	store, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.GetRun(ctx, id)
	if err != nil {
		return err
	}

	fmt.Println(rec.Report)
	return nil
}
