package cmd

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lecoder/lecoder/internal/app"
	"github.com/lecoder/lecoder/internal/core"
)

func newRunCommand(globals *Globals, newApp AppFactory) *cobra.Command {
	var (
		mode       string
		newRuntime bool
		tpu        bool
		cpu        bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:     "run [flags] <code>...",
		Short:   "Execute Python code on the session's remote kernel",
		Example: `  lecoder run --json "print('hi')"
  lecoder run --tpu --new-runtime "import jax; jax.devices()"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			formatter := globals.formatter()

			variant, err := pickVariant(tpu, cpu)
			if err != nil {
				return err
			}

			application, cleanup, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			defer application.Shutdown(ctx)

			if globals.ForceLogin {
				if err := application.VerifyAuth(ctx); err != nil {
					return err
				}
			}
			if err := application.DetectTier(ctx); err != nil {
				return err
			}

			outcome, err := application.Run(ctx, app.RunParams{
				Code:          strings.Join(args, " "),
				Mode:          core.ExecutionMode(mode),
				TargetSession: globals.Session,
				Variant:       variant,
				ForceNew:      newRuntime,
				Timeout:       timeout,
			})
			if err != nil {
				return err
			}

			if err := formatter.Result(outcome.Result, outcome.Classification); err != nil {
				return err
			}
			if outcome.Result.Status != core.StatusOK {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", "kernel", "Execution mode: kernel or terminal")
	cmd.Flags().BoolVar(&newRuntime, "new-runtime", false, "Assign a fresh runtime instead of reusing one")
	cmd.Flags().BoolVar(&tpu, "tpu", false, "Request a TPU runtime")
	cmd.Flags().BoolVar(&cpu, "cpu", false, "Request a CPU-only runtime")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-execution timeout (0 = none)")
	return cmd
}

// pickVariant maps the accelerator flags onto a variant. Empty means
// "follow the active session, default to GPU".
func pickVariant(tpu, cpu bool) (core.Variant, error) {
	switch {
	case tpu && cpu:
		return "", &core.ErrInvalidInput{Field: "variant", Message: "--tpu and --cpu are mutually exclusive"}
	case tpu:
		return core.VariantTPU, nil
	case cpu:
		return core.VariantDefault, nil
	}
	return "", nil
}
