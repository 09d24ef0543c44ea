package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/lecoder/lecoder/internal/config"
	"github.com/lecoder/lecoder/internal/core"
	"github.com/lecoder/lecoder/internal/storage"
)

// newLogsCommand queries the local execution history. It deliberately
// skips application wiring: history lives on disk and must stay
// readable without credentials or network.
func newLogsCommand(conf *config.Config, globals *Globals, _ AppFactory) *cobra.Command {
	var (
		limit    int
		status   string
		category string
		since    string
		mode     string
		stats    bool
		clear    bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the execution history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			formatter := globals.formatter()

			stateDir, err := conf.StateDir()
			if err != nil {
				return err
			}
			store, err := storage.NewHistoryStore(stateDir)
			if err != nil {
				return err
			}
			history := core.NewHistoryUseCase(store)

			switch {
			case clear:
				if err := history.Clear(ctx); err != nil {
					return err
				}
				return formatter.Message("history cleared")

			case stats:
				aggregate, err := history.Stats(ctx)
				if err != nil {
					return err
				}
				return formatter.HistoryStats(aggregate)
			}

			filter := core.HistoryFilter{
				Status:   core.ExecutionStatus(status),
				Category: core.Category(category),
				Mode:     core.ExecutionMode(mode),
				Limit:    limit,
			}
			if since != "" {
				t, err := core.ParseSince(since, time.Now())
				if err != nil {
					return err
				}
				filter.Since = t
			}

			entries, err := history.Query(ctx, filter)
			if err != nil {
				return err
			}
			return formatter.History(entries)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", conf.HistoryLimit(), "Maximum entries to show")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status: ok, error, abort")
	cmd.Flags().StringVar(&category, "category", "", "Filter by error category")
	cmd.Flags().StringVar(&since, "since", "", "Only entries after a timestamp or relative duration (30m, 2d)")
	cmd.Flags().StringVar(&mode, "mode", "", "Filter by mode: kernel, terminal")
	cmd.Flags().BoolVar(&stats, "stats", false, "Show aggregate statistics")
	cmd.Flags().BoolVar(&clear, "clear", false, "Delete all history entries")
	return cmd
}
