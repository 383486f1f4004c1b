package cli

import (
	"fmt"
	"math"
	"time"

	"github.com/spf13/cobra"

	"github.com/cellforge-eda/cellforge/internal/domain"
	"github.com/cellforge-eda/cellforge/internal/infra/netlist"
	"github.com/cellforge-eda/cellforge/internal/infra/pool"
	"github.com/cellforge-eda/cellforge/internal/infra/spice"
	"github.com/cellforge-eda/cellforge/internal/trainer"
)

func init() {
	sweepCmd.Flags().IntVar(&sweepPoints, "points", 8, "Number of RC points to simulate")
	sweepCmd.Flags().IntVar(&sweepWorkers, "workers", 0, "Parallel workers (0 = auto)")
	sweepCmd.Flags().BoolVar(&sweepMock, "mock", false, "Use the in-memory mock simulator")
	rootCmd.AddCommand(sweepCmd)
}

var (
	sweepPoints  int
	sweepWorkers int
	sweepMock    bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Sweep the RC filter cell and compare against theory",
	Long: `Run a parallel batch of RC low-pass simulations across a decade of
R values and print the measured cutoff next to the analytic 1/(2πRC).
Doubles as a sanity check of the simulator installation.`,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := trainer.LoadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg.Logging)

	reg := netlist.NewRegistry()
	var provider spice.Provider
	if sweepMock || cfg.Backend.Mock {
		provider = spice.NewMockProvider(reg)
	} else {
		provider, err = spice.NewBatchProvider(trainer.Home(), reg)
		if err != nil {
			return err
		}
	}

	poolCfg := pool.DefaultConfig(cfg.Pool.Workdir)
	poolCfg.Workers = sweepWorkers
	p, err := pool.NewParallel(provider, []string{netlist.CellRCFilter}, poolCfg, log)
	if err != nil {
		return err
	}
	defer p.Stop()

	// One decade of R, fixed C.
	const cval = 100e-9
	tasks := make([]domain.Task, sweepPoints)
	rvals := make([]float64, sweepPoints)
	for i := range tasks {
		r := 1e3 * math.Pow(10, float64(i)/float64(max(sweepPoints-1, 1)))
		rvals[i] = r
		tasks[i] = domain.Task{
			Template:   netlist.CellRCFilter,
			Parameters: map[string]float64{"Rval": r, "Cval": cval},
			Measures:   []string{"f_cutoff"},
		}
	}

	start := time.Now()
	outcomes, err := p.Run(cmd.Context(), tasks)
	if err != nil {
		return err
	}

	fmt.Printf("%-12s %-14s %-14s %-8s\n", "R (ohm)", "measured (Hz)", "theory (Hz)", "error")
	for i, o := range outcomes {
		theory := 1.0 / (2 * math.Pi * rvals[i] * cval)
		if o.Status != domain.Success {
			fmt.Printf("%-12.4g %-14s %-14.4g %s\n", rvals[i], "FAILED", theory, o.Diagnostic)
			continue
		}
		measured := o.Measures["f_cutoff"]
		relErr := math.Abs(measured-theory) / theory
		fmt.Printf("%-12.4g %-14.5g %-14.5g %.2f%%\n", rvals[i], measured, theory, 100*relErr)
	}
	fmt.Printf("%d points on %d workers in %s\n", sweepPoints, p.Workers(), time.Since(start).Round(timeUnit))
	return nil
}
