// Package cmd defines the CLI surface: the root command, its
// persistent flags, and the run/connect/status/sessions/logs
// subcommands. Commands stay thin; the work happens in internal/app.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lecoder/lecoder/internal/app"
	"github.com/lecoder/lecoder/internal/config"
	"github.com/lecoder/lecoder/internal/logging"
	"github.com/lecoder/lecoder/internal/output"
)

// AppFactory builds the fully wired application for one invocation.
// Returned cleanup must run before exit.
type AppFactory func(ctx context.Context) (*app.App, func(), error)

// Globals are the persistent flag values shared by every subcommand.
type Globals struct {
	Session    string
	JSON       bool
	ConfigFile string
	ForceLogin bool
	Debug      bool
}

// ExitError signals a non-zero exit after output has already been
// rendered; main exits with the code without printing anything.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// NewRootCommand builds the lecoder command tree.
func NewRootCommand(conf *config.Config, version string, newApp AppFactory) (*cobra.Command, error) {
	globals := &Globals{}

	root := &cobra.Command{
		Use:           "lecoder",
		Short:         "Run Python on Google Colab GPU runtimes from the command line",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&globals.Session, "session", "", "Target session id or unique prefix (default: active session)")
	root.PersistentFlags().BoolVar(&globals.JSON, "json", false, "Emit machine-readable JSON")
	root.PersistentFlags().StringVarP(&globals.ConfigFile, "config", "c", "", "Config file path")
	root.PersistentFlags().BoolVar(&globals.ForceLogin, "force-login", false, "Verify the stored credentials before running")
	root.PersistentFlags().BoolVar(&globals.Debug, "debug", false, "Log debug output to stderr")

	if err := conf.BindFlags(root.PersistentFlags(), config.Options); err != nil {
		return nil, err
	}

	var logger *logging.Logger
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if globals.ConfigFile != "" {
			if err := conf.SetFile(globals.ConfigFile); err != nil {
				return err
			}
		}
		stateDir, err := conf.StateDir()
		if err != nil {
			return err
		}
		logger, err = logging.New(stateDir, globals.Debug)
		return err
	}
	root.PersistentPostRun = func(*cobra.Command, []string) {
		_ = logger.Close()
	}

	root.AddCommand(
		newRunCommand(globals, newApp),
		newConnectCommand(globals, newApp),
		newStatusCommand(globals, newApp),
		newSessionsCommand(globals, newApp),
		newLogsCommand(conf, globals, newApp),
	)
	return root, nil
}

// formatter builds the output formatter for the invocation.
func (g *Globals) formatter() *output.Formatter {
	return output.New(os.Stdout, g.JSON)
}
