package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/lecoder/lecoder/internal/core"
	"github.com/lecoder/lecoder/internal/output"
)

// keepAliveInterval is how often the REPL pokes the runtime so Colab
// does not evict it while the user thinks.
const keepAliveInterval = 60 * time.Second

// doubleInterruptWindow: a second Ctrl-C within this window exits the
// REPL instead of interrupting the current execution.
const doubleInterruptWindow = time.Second

func newConnectCommand(globals *Globals, newApp AppFactory) *cobra.Command {
	var (
		newRuntime bool
		tpu        bool
		cpu        bool
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open an interactive REPL on the session's remote kernel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			variant, err := pickVariant(tpu, cpu)
			if err != nil {
				return err
			}

			application, cleanup, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			defer application.Shutdown(context.WithoutCancel(ctx))

			if globals.ForceLogin {
				if err := application.VerifyAuth(ctx); err != nil {
					return err
				}
			}
			if err := application.DetectTier(ctx); err != nil {
				return err
			}

			record, runtime, err := application.ResolveSession(ctx, globals.Session, variant, newRuntime)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "connecting to %s (%s)...\n", runtime.Label, output.ShortID(record.ID))

			conn, err := application.Connection(ctx, record, runtime)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "connected; Ctrl-C interrupts, Ctrl-C twice (or Ctrl-D) exits")

			repl := &repl{
				globals: globals,
				conn:    conn,
				in:      os.Stdin,
				out:     os.Stdout,
			}

			// The REPL owns Ctrl-C from here: first interrupt stops the
			// running cell, the second exits. Detach from the process
			// signal context so it cannot cancel the loop first.
			g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
			g.Go(func() error {
				return repl.loop(gctx)
			})
			g.Go(func() error {
				ticker := time.NewTicker(keepAliveInterval)
				defer ticker.Stop()
				for {
					select {
					case <-gctx.Done():
						return nil
					case <-ticker.C:
						if err := application.KeepAlive(gctx, runtime); err != nil {
							fmt.Fprintf(os.Stderr, "keep-alive failed: %v\n", err)
						}
					}
				}
			})

			if err := g.Wait(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				return err
			}
			fmt.Fprintln(os.Stderr, "disconnected")
			return nil
		},
	}

	cmd.Flags().BoolVar(&newRuntime, "new-runtime", false, "Assign a fresh runtime instead of reusing one")
	cmd.Flags().BoolVar(&tpu, "tpu", false, "Request a TPU runtime")
	cmd.Flags().BoolVar(&cpu, "cpu", false, "Request a CPU-only runtime")
	return cmd
}

// repl reads statements from the terminal, executes them, and prints
// results in human form.
type repl struct {
	globals *Globals
	conn    core.KernelConnection
	in      *os.File
	out     io.Writer
}

func (r *repl) loop(ctx context.Context) error {
	interactive := term.IsTerminal(int(r.in.Fd()))
	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	// Ctrl-C is handled here, not by the process-wide cancel: the
	// first one interrupts the kernel, a second within the window (or
	// any interrupt while nothing runs) ends the REPL.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	for {
		if interactive {
			fmt.Fprint(r.out, ">>> ")
		}

		lines := make(chan string, 1)
		errs := make(chan error, 1)
		go func() {
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					errs <- err
					return
				}
				errs <- io.EOF
				return
			}
			lines <- scanner.Text()
		}()

		var code string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-interrupts:
			// Interrupt at the prompt: exit.
			fmt.Fprintln(r.out)
			return nil
		case err := <-errs:
			return err
		case code = <-lines:
		}

		if strings.TrimSpace(code) == "" {
			continue
		}
		if err := r.execute(ctx, interrupts, code); err != nil {
			return err
		}
	}
}

// execute runs one statement, streaming output as it arrives and
// translating Ctrl-C into kernel interrupts.
func (r *repl) execute(ctx context.Context, interrupts chan os.Signal, code string) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		var lastInterrupt time.Time
		for {
			select {
			case <-done:
				return
			case <-interrupts:
				if time.Since(lastInterrupt) < doubleInterruptWindow {
					// Second Ctrl-C: give up on this execution entirely.
					_ = r.conn.Shutdown(context.WithoutCancel(ctx), false)
					return
				}
				lastInterrupt = time.Now()
				if err := r.conn.Interrupt(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "interrupt failed: %v\n", err)
				}
			}
		}
	}()

	result, err := r.conn.Execute(ctx, code, core.ExecuteOptions{
		OnStream: func(_, text string) {
			fmt.Fprint(r.out, text)
		},
	})
	if err != nil {
		return err
	}

	// Streams were already printed live; report everything else.
	switch result.Status {
	case core.StatusError:
		if result.Error != nil {
			fmt.Fprintf(r.out, "%s: %s\n", result.Error.Name, result.Error.Message)
		}
	case core.StatusAbort:
		fmt.Fprintln(r.out, "interrupted")
	default:
		for _, d := range result.DisplayData {
			if text, ok := d.Data["text/plain"].(string); ok {
				fmt.Fprintln(r.out, text)
			}
		}
	}
	return nil
}
