package cmd

import (
	"github.com/spf13/cobra"
)

func newStatusCommand(globals *Globals, newApp AppFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the authenticated account, runtimes, and sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			report, err := application.Status(ctx)
			if err != nil {
				return err
			}
			return globals.formatter().Status(report)
		},
	}
}
