package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cellforge-eda/cellforge/internal/trainer"
)

func init() {
	optimizeCmd.Flags().StringVar(&optTemplate, "cell", "", "Cell template: builtin name or netlist path (overrides config)")
	optimizeCmd.Flags().IntVar(&optSteps, "steps", 0, "Training step budget (overrides config)")
	optimizeCmd.Flags().BoolVar(&optMock, "mock", false, "Use the in-memory mock simulator")
	optimizeCmd.Flags().StringVar(&optBackend, "backend", "", "Backend variant: batch or persistent (overrides config)")
	rootCmd.AddCommand(optimizeCmd)
}

var (
	optTemplate string
	optSteps    int
	optMock     bool
	optBackend  string
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Run the optimization loop",
	Long:  `Optimize the configured cell's parameters until a stop condition fires.`,
	RunE:  runOptimize,
}

func runOptimize(cmd *cobra.Command, args []string) error {
	cfg, err := trainer.LoadConfig()
	if err != nil {
		return err
	}
	if optTemplate != "" {
		cfg.Cell.Template = optTemplate
	}
	if optSteps > 0 {
		cfg.Training.MaxSteps = optSteps
	}
	if optMock {
		cfg.Backend.Mock = true
	}
	if optBackend != "" {
		cfg.Backend.Variant = optBackend
	}

	log := newLogger(cfg.Logging)

	t, err := trainer.NewFromConfig(cfg, log)
	if err != nil {
		return err
	}
	defer t.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := t.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Run %s finished (%s) after %d steps in %s\n",
		res.RunID, res.StopReason, res.Steps, res.Elapsed.Round(timeUnit))
	if res.BestParams != nil {
		fmt.Printf("Best reward %.4f with parameters:\n", res.BestReward)
		for _, name := range sortedParamNames(res.BestParams) {
			fmt.Printf("  %-8s %.4g\n", name, res.BestParams[name])
		}
	} else {
		fmt.Println("No successful simulation; check the simulator installation.")
	}
	if res.Errors > 0 {
		fmt.Printf("%d of %d steps failed\n", res.Errors, res.Steps)
	}
	return nil
}
