// Package main is the entry point for the lecoder binary: a CLI that
// runs Python on Google Colab GPU runtimes through the Jupyter wire
// protocol.
//
// Dependencies are assembled via Google Wire; see wire.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lecoder/lecoder/internal/app"
	"github.com/lecoder/lecoder/internal/cmd"
	"github.com/lecoder/lecoder/internal/config"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	// Cancel on SIGINT (Ctrl+C) or SIGTERM. In-flight executions get
	// an interrupt-with-grace before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		var exitErr *cmd.ExitError
		if errors.As(err, &exitErr) {
			// Output was already rendered; only the code matters.
			os.Exit(exitErr.Code)
		}
		// Cobra is configured with SilenceErrors: true, so we print
		// the error here for consistent formatting.
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run builds the command tree and executes it. The application itself
// is wired lazily per invocation; see wire_gen.go.
func run(ctx context.Context) error {
	conf, err := config.New("")
	if err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}

	root, err := cmd.NewRootCommand(conf, version, func(ctx context.Context) (*app.App, func(), error) {
		return wireApp(ctx, conf)
	})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return root.ExecuteContext(ctx)
}

// agentString is the client agent identifier sent on every Colab API
// and proxy request.
func agentString(conf *config.Config) string {
	return conf.ColabAgent() + "/" + version
}
