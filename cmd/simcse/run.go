package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"simcse-runner/cmd"
	"simcse-runner/internal/config"

	"github.com/spf13/cobra"
)

var runFlags struct {
	profile   string
	file      string
	outputDir string
	model     string
	train     []string
	eval      string
	device    string
	progress  bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one fine-tuning experiment in this process",
	Example: `  simcse run --profile bootstrap
  simcse run --config experiments/stsb.yaml --output-dir out/stsb`,
	RunE: func(c *cobra.Command, args []string) error {
		runCfg, err := buildRunConfig(c)
		if err != nil {
			return err
		}

		store, err := cmd.NewObjectStore(appConfig)
		if err != nil {
			return err
		}
		runner := cmd.NewRunner(appConfig, store, runFlags.progress)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		result, err := runner.Run(ctx, runCfg)
		if err != nil {
			return err
		}

		summary := map[string]any{
			"output_dir":     result.OutputDir,
			"device":         result.Device.String(),
			"train_examples": result.TrainExamples,
			"eval_examples":  result.EvalExamples,
		}
		if result.Report != nil {
			summary["global_step"] = result.Report.GlobalStep
			summary["train_loss"] = result.Report.TrainingLoss
			summary["best_checkpoint"] = result.Report.BestCheckpoint
		}
		if result.EvalMetrics != nil {
			summary["eval"] = result.EvalMetrics
		}
		out, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return fmt.Errorf("error encoding run summary: %w", err)
		}
		fmt.Fprintln(c.OutOrStdout(), string(out))
		return nil
	},
}

// buildRunConfig starts from the config file when one is given and from the
// named profile otherwise, then applies flag overrides.
func buildRunConfig(c *cobra.Command) (config.RunConfig, error) {
	var (
		runCfg config.RunConfig
		err    error
	)
	if runFlags.file != "" {
		runCfg, err = config.Load(runFlags.file)
	} else {
		runCfg, err = config.Preset(runFlags.profile)
	}
	if err != nil {
		return config.RunConfig{}, err
	}

	if runFlags.outputDir != "" {
		runCfg = runCfg.WithOutputDir(runFlags.outputDir)
	}
	if runFlags.model != "" {
		runCfg = runCfg.WithModelName(runFlags.model)
	}
	if len(runFlags.train) > 0 {
		runCfg = runCfg.WithTrainDatasets(runFlags.train...)
	}
	if c.Flags().Changed("eval") {
		runCfg.EvalDataset = runFlags.eval
	}
	if c.Flags().Changed("device") {
		runCfg.Device = runFlags.device
	}
	if appConfig.NumThreads > 0 && runCfg.NumThreads == 0 {
		runCfg.NumThreads = appConfig.NumThreads
	}
	return runCfg, nil
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.profile, "profile", "bootstrap", "named run profile to start from")
	f.StringVar(&runFlags.file, "config", "", "YAML run config; its `profile` key selects the base profile")
	f.StringVar(&runFlags.outputDir, "output-dir", "", "override the output directory")
	f.StringVar(&runFlags.model, "model", "", "override the base model identifier")
	f.StringSliceVar(&runFlags.train, "train", nil, "training dataset locations, concatenated in order")
	f.StringVar(&runFlags.eval, "eval", "", "evaluation dataset location")
	f.StringVar(&runFlags.device, "device", "", "device preference: auto, cpu or cuda")
	f.BoolVar(&runFlags.progress, "progress", true, "show a training progress bar")
	runCmd.MarkFlagsMutuallyExclusive("profile", "config")
}
