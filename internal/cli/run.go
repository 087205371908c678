package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/molmin/internal/forcefield"
	"github.com/copyleftdev/molmin/internal/logging"
	"github.com/copyleftdev/molmin/internal/minimize"
	"github.com/copyleftdev/molmin/internal/molecule"
)

type runOptions struct {
	input      string
	output     string
	steps      int
	criterion  float64
	forceField string
	fallback   string
	units      string
	energyOnly bool
}

// runOutput is the document printed by the run command.
type runOutput struct {
	Result   *minimize.Result   `json:"result"`
	Molecule *molecule.Molecule `json:"molecule"`
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Minimize the molecule described by a job document",
		Long: "Reads a JSON job document, minimizes its molecule and prints the result\n" +
			"together with the updated molecule. Flags override the job's settings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMinimize(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.input, "input", "i", "", "job document path, - for stdin")
	f.StringVarP(&opts.output, "output", "o", "", "output path (default: stdout)")
	f.IntVar(&opts.steps, "steps", 0, "step budget; 0 computes energy only")
	f.Float64Var(&opts.criterion, "criterion", 0, "convergence criterion on the energy change")
	f.StringVar(&opts.forceField, "ff", "", "force field ("+fmt.Sprint(forcefield.Names())+")")
	f.StringVar(&opts.fallback, "fallback-ff", "", "force field used when the requested one cannot be set up")
	f.StringVar(&opts.units, "units", "", "display units (kJ, kcal)")
	f.BoolVar(&opts.energyOnly, "energy-only", false, "compute the energy without moving atoms")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func runMinimize(cmd *cobra.Command, opts *runOptions) error {
	cliCtx, err := GetCLIContext(cmd)
	if err != nil {
		return err
	}

	job, err := readJob(cmd, opts.input)
	if err != nil {
		return err
	}
	applyOverrides(cmd, opts, job)

	engine, err := job.Engine(cliCtx.Config.Defaults(), minimize.Options{
		Logger: logging.NewZapLogger(cliCtx.Logger.WithFields(map[string]interface{}{"component": "minimizer"})),
	})
	if err != nil {
		return fmt.Errorf("setting up job: %w", err)
	}

	res, err := engine.Minimize(cmd.Context())
	if err != nil {
		return fmt.Errorf("minimization failed: %w", err)
	}

	w := cmd.OutOrStdout()
	if opts.output != "" {
		file, err := os.Create(opts.output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer file.Close()
		w = file
	}
	if err := PrintJSON(w, runOutput{Result: res, Molecule: job.Molecule}, cliCtx.Pretty); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}

	if res.Outcome == minimize.OutcomeExploded {
		return fmt.Errorf("minimization exploded after %d steps; coordinates restored", res.Steps)
	}
	return nil
}

func readJob(cmd *cobra.Command, path string) (*minimize.Job, error) {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening job: %w", err)
		}
		defer file.Close()
		r = file
	}
	return minimize.DecodeJob(r)
}

func applyOverrides(cmd *cobra.Command, opts *runOptions, job *minimize.Job) {
	f := cmd.Flags()
	if f.Changed("steps") {
		steps := opts.steps
		job.Steps = &steps
	}
	if opts.energyOnly {
		zero := 0
		job.Steps = &zero
	}
	if f.Changed("criterion") {
		job.Criterion = opts.criterion
	}
	if opts.forceField != "" {
		job.ForceField = opts.forceField
	}
	if opts.fallback != "" {
		job.Fallback = opts.fallback
	}
	if opts.units != "" {
		job.Units = opts.units
	}
}
