package cmd

import (
	"github.com/spf13/cobra"

	"github.com/lecoder/lecoder/internal/app"
	"github.com/lecoder/lecoder/internal/output"
)

func newSessionsCommand(globals *Globals, newApp AppFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage durable kernel sessions",
	}
	cmd.AddCommand(
		newSessionsListCommand(globals, newApp),
		newSessionsSwitchCommand(globals, newApp),
		newSessionsCloseCommand(globals, newApp),
		newSessionsCleanCommand(globals, newApp),
	)
	return cmd
}

// withApp wires the application, detects the tier, and runs fn.
func withApp(globals *Globals, newApp AppFactory, cmd *cobra.Command, fn func(application *app.App) error) error {
	ctx := cmd.Context()
	application, cleanup, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if globals.ForceLogin {
		if err := application.VerifyAuth(ctx); err != nil {
			return err
		}
	}
	if err := application.DetectTier(ctx); err != nil {
		return err
	}
	return fn(application)
}

func newSessionsListCommand(globals *Globals, newApp AppFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List session records with live state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(globals, newApp, cmd, func(application *app.App) error {
				list, err := application.SessionList(cmd.Context())
				if err != nil {
					return err
				}
				return globals.formatter().Sessions(list)
			})
		},
	}
}

func newSessionsSwitchCommand(globals *Globals, newApp AppFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <id>",
		Short: "Make a session the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(globals, newApp, cmd, func(application *app.App) error {
				record, err := application.SwitchSession(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return globals.formatter().Message("session %s (%s) is now active", output.ShortID(record.ID), record.Label)
			})
		},
	}
}

func newSessionsCloseCommand(globals *Globals, newApp AppFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "close <id>",
		Short: "Delete a session record and shut down its connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(globals, newApp, cmd, func(application *app.App) error {
				if err := application.CloseSession(cmd.Context(), args[0]); err != nil {
					return err
				}
				return globals.formatter().Message("session closed")
			})
		},
	}
}

func newSessionsCleanCommand(globals *Globals, newApp AppFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove sessions whose runtimes are gone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(globals, newApp, cmd, func(application *app.App) error {
				deleted, err := application.CleanSessions(cmd.Context())
				if err != nil {
					return err
				}
				return globals.formatter().Message("removed %d stale session(s)", len(deleted))
			})
		},
	}
}
