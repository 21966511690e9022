package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/gradsearch/internal/config"
	"github.com/copyleftdev/gradsearch/internal/logging"
	"github.com/copyleftdev/gradsearch/internal/optimization"
	"github.com/copyleftdev/gradsearch/internal/optimization/gradsearch"
	"github.com/copyleftdev/gradsearch/internal/trajectory"
)

type runOpts struct {
	jobFile    string
	function   string
	direction  string
	start      []float64
	iterations int
	printEvery int
	stepSize   float64
	gradient   string
	concurrent bool
	out        string
	surface    string
	logLevel   string
}

func newRunCommand() *cobra.Command {
	opts := runOpts{}
	def := config.DefaultJob()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a gradient search and optionally write its trajectory",
		Long: `Run a gradient search from a starting vector.

Without flags this minimizes the Rosenbrock function from (-0.1, 1.4) for
500 iterations and prints the optimizer state every 100 iterations. A YAML
job file given with --job supplies the settings; explicit flags override it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := opts.job(cmd)
			if err != nil {
				return err
			}
			return runJob(cmd, job, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.jobFile, "job", "", "YAML job file")
	flags.StringVar(&opts.function, "function", def.Function, "utility function name")
	flags.StringVar(&opts.direction, "direction", def.Direction, "minimize or maximize")
	flags.Float64SliceVar(&opts.start, "start", def.Start, "starting vector")
	flags.IntVar(&opts.iterations, "iterations", def.Iterations, "number of steps")
	flags.IntVar(&opts.printEvery, "print-every", def.PrintEvery, "print the optimizer state every N steps (0 disables)")
	flags.Float64Var(&opts.stepSize, "step-size", gradsearch.DefaultStepSize, "initial step size")
	flags.StringVar(&opts.gradient, "gradient", "central", "finite-difference formula: central or forward")
	flags.BoolVar(&opts.concurrent, "concurrent-gradient", false, "evaluate gradient points concurrently")
	flags.StringVar(&opts.out, "out", "", "write the trajectory table to this file")
	flags.StringVar(&opts.surface, "surface", "", "write the function's utility over a 50x50 grid of the first two coordinates to this file")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level for step diagnostics")

	return cmd
}

// job merges the job file, if any, with the flags set on the command line.
func (o runOpts) job(cmd *cobra.Command) (*config.Job, error) {
	job := config.DefaultJob()
	if o.jobFile != "" {
		var err error
		if job, err = config.LoadJob(o.jobFile); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("function") {
		job.Function = o.function
	}
	if flags.Changed("direction") {
		job.Direction = o.direction
	}
	if flags.Changed("start") {
		job.Start = o.start
	}
	if flags.Changed("iterations") {
		job.Iterations = o.iterations
	}
	if flags.Changed("print-every") {
		job.PrintEvery = o.printEvery
	}
	if flags.Changed("step-size") {
		job.StepSize = o.stepSize
	}
	if flags.Changed("gradient") {
		job.Gradient = o.gradient
	}
	if flags.Changed("concurrent-gradient") {
		job.ConcurrentGradient = o.concurrent
	}

	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}
	return job, nil
}

func runJob(cmd *cobra.Command, job *config.Job, opts runOpts) error {
	fn, err := optimization.Lookup(job.Function)
	if err != nil {
		return err
	}
	dir, err := optimization.ParseDirection(job.Direction)
	if err != nil {
		return err
	}

	logger := logging.NewWithFormat(logging.ParseLevel(opts.logLevel), logging.TextFormat, cmd.ErrOrStderr()).
		WithField("function", job.Function)

	options := []gradsearch.Option{
		gradsearch.WithConcurrentGradient(job.ConcurrentGradient),
		gradsearch.WithLogger(logging.NewZapLogger(logger)),
	}
	if job.StepSize > 0 {
		options = append(options, gradsearch.WithStepSize(job.StepSize))
	}
	if job.Gradient == "forward" {
		options = append(options, gradsearch.WithGradientFormula(gradsearch.Forward))
	}

	gs, err := gradsearch.New[any](nil, job.Start, fn, dir, options...)
	if err != nil {
		return err
	}
	defer gs.Destroy()

	out := cmd.OutOrStdout()
	rec := trajectory.Drive(gs, job.Iterations, job.PrintEvery, out)
	if job.PrintEvery <= 0 || job.Iterations%job.PrintEvery != 0 {
		gs.Print(out)
	}

	if best, ok := rec.Best(dir); ok {
		fmt.Fprintf(out, "best u = %.8e at iteration %d, v = %v\n", best.Utility, best.Index, best.Vector)
	}

	logger.Info("search finished", map[string]any{
		"iterations": gs.Iterations(),
		"accepted":   gs.Stats().Accepted,
		"rejected":   gs.Stats().Rejected,
		"utility":    gs.LastUtility(),
	})

	if opts.out != "" {
		if err := writeFile(opts.out, "trajectory", rec.WriteTable); err != nil {
			return err
		}
	}
	if opts.surface != "" {
		write := func(w io.Writer) error {
			return trajectory.WriteSurface[any](w, trajectory.DefaultGrid(), nil, fn)
		}
		if err := writeFile(opts.surface, "surface", write); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path, what string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s file: %w", what, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", what, err)
	}
	return f.Close()
}
