package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"simcse-runner/internal/config"
	"simcse-runner/internal/datasets"
)

const (
	TrainResultsFile = "train_results.json"
	EvalResultsFile  = "eval_results.json"
	AllResultsFile   = "all_results.json"
	RunConfigFile    = "run_config.yaml"
)

type DatasetLoader interface {
	Load(ctx context.Context, location string) (*datasets.Dataset, error)
}

// DiskDatasetLoader reads datasets from local directories.
type DiskDatasetLoader struct{}

func (DiskDatasetLoader) Load(ctx context.Context, location string) (*datasets.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return datasets.LoadFromDisk(location)
}

// Runner executes one experiment: acquire model and tokenizer, load the
// datasets, train, optionally evaluate, and persist the result.
type Runner struct {
	Source   ModelSource
	Datasets DatasetLoader
	Trainer  Trainer

	// ResolveDevice defaults to config.ResolveDevice.
	ResolveDevice func(preference string, threads int) (config.Device, error)
}

type RunResult struct {
	OutputDir     string
	Device        config.Device
	TrainExamples int
	EvalExamples  int
	Report        *TrainingReport
	EvalMetrics   MetricMap
}

func NewRunner(source ModelSource, loader DatasetLoader, trainer Trainer) *Runner {
	return &Runner{Source: source, Datasets: loader, Trainer: trainer}
}

func (r *Runner) Run(ctx context.Context, cfg config.RunConfig) (RunResult, error) {
	var result RunResult

	if err := cfg.Validate(); err != nil {
		return result, wrapErr(ErrConfiguration, "invalid run config", err)
	}

	resolve := r.ResolveDevice
	if resolve == nil {
		resolve = config.ResolveDevice
	}
	device, err := resolve(cfg.Device, cfg.NumThreads)
	if err != nil {
		return result, wrapErr(ErrConfiguration, "unable to resolve device", err)
	}
	result.Device = device

	slog.Info("starting run", "profile", cfg.Profile, "model", cfg.ModelName, "output_dir", cfg.OutputDir, "device", device.Kind)

	model, tokenizer, err := r.acquire(ctx, cfg.ModelName)
	if err != nil {
		return result, err
	}
	defer model.Release()
	defer tokenizer.Release()

	train, eval, err := r.loadDatasets(ctx, cfg)
	if err != nil {
		return result, err
	}
	result.TrainExamples = train.Len()
	if eval != nil {
		result.EvalExamples = eval.Len()
	}

	collator := NewCollator(cfg.Data, tokenizer, MLMOptionsFor(cfg, tokenizer))
	slog.Info("built collator", "collator", collator.Name(), "mlm", cfg.DoMLM)

	job := TrainJob{
		Model:     model,
		Tokenizer: tokenizer,
		Train:     train,
		Eval:      eval,
		Collator:  collator,
		Config:    cfg,
		Device:    device,
	}

	if cfg.Training.DoTrain {
		if err := os.MkdirAll(cfg.OutputDir, os.ModePerm); err != nil {
			return result, fmt.Errorf("%w: unable to create output directory: %w", ErrIO, err)
		}

		start := time.Now()
		report, err := r.Trainer.Train(ctx, job)
		if err != nil {
			// Checkpoint writes keep their IO kind.
			if errors.Is(err, ErrIO) {
				return result, wrapErr(ErrIO, "training failed", err)
			}
			return result, wrapErr(ErrTraining, "training failed", err)
		}
		if report.RuntimeSeconds == 0 {
			report.RuntimeSeconds = time.Since(start).Seconds()
		}
		if report.NumExamples == 0 {
			report.NumExamples = train.Len()
		}
		result.Report = &report
		slog.Info("training complete", "global_step", report.GlobalStep, "loss", report.TrainingLoss, "best_checkpoint", report.BestCheckpoint)
	}

	if eval != nil {
		metrics, err := r.Trainer.Evaluate(ctx, job)
		if err != nil {
			return result, wrapErr(ErrTraining, "evaluation failed", err)
		}
		result.EvalMetrics = metrics
		slog.Info("evaluation complete", "metrics", metrics)
	}

	outDir := cfg.FinalModelDir()
	if err := persist(outDir, cfg, model, tokenizer, result); err != nil {
		return result, err
	}
	result.OutputDir = outDir

	slog.Info("run complete", "output_dir", outDir)

	return result, nil
}

func (r *Runner) acquire(ctx context.Context, identifier string) (Model, Tokenizer, error) {
	model, tokenizer, err := r.Source.Acquire(ctx, identifier)
	if err != nil {
		return nil, nil, wrapErr(ErrResolution, fmt.Sprintf("unable to acquire model %q", identifier), err)
	}

	vocab := tokenizer.VocabSize()
	if err := model.ResizeTokenEmbeddings(vocab); err != nil {
		model.Release()
		tokenizer.Release()
		return nil, nil, wrapErr(ErrResolution, "unable to resize token embeddings", err)
	}
	if n := model.NumEmbeddings(); n != vocab {
		model.Release()
		tokenizer.Release()
		return nil, nil, fmt.Errorf("%w: model has %d embeddings after resize, tokenizer vocabulary is %d", ErrResolution, n, vocab)
	}

	slog.Info("acquired model", "model", identifier, "vocab_size", vocab)
	return model, tokenizer, nil
}

func (r *Runner) loadDatasets(ctx context.Context, cfg config.RunConfig) (*datasets.Dataset, *datasets.Dataset, error) {
	parts := make([]*datasets.Dataset, 0, len(cfg.TrainDatasets))
	for _, location := range cfg.TrainDatasets {
		ds, err := r.Datasets.Load(ctx, location)
		if err != nil {
			return nil, nil, wrapErr(ErrDatasetLoad, fmt.Sprintf("unable to load training dataset %q", location), err)
		}
		parts = append(parts, ds)
	}

	train := parts[0]
	if len(parts) > 1 {
		train = datasets.Concatenate(parts...)
	}
	slog.Info("loaded training data", "datasets", len(parts), "examples", train.Len(), "shape", train.Shape())

	if !cfg.EvalEnabled() {
		return train, nil, nil
	}

	eval, err := r.Datasets.Load(ctx, cfg.EvalDataset)
	if err != nil {
		return nil, nil, wrapErr(ErrDatasetLoad, fmt.Sprintf("unable to load evaluation dataset %q", cfg.EvalDataset), err)
	}
	slog.Info("loaded evaluation data", "examples", eval.Len())

	return train, eval, nil
}

func persist(dir string, cfg config.RunConfig, model Model, tokenizer Tokenizer, result RunResult) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return fmt.Errorf("%w: unable to create output directory: %w", ErrIO, err)
	}
	if err := model.Save(dir); err != nil {
		return wrapErr(ErrIO, "unable to save model", err)
	}
	if err := tokenizer.Save(dir); err != nil {
		return wrapErr(ErrIO, "unable to save tokenizer", err)
	}

	all := map[string]float64{}
	if result.Report != nil {
		train := map[string]float64{
			"epoch":         float64(cfg.Training.NumTrainEpochs),
			"train_loss":    result.Report.TrainingLoss,
			"train_runtime": result.Report.RuntimeSeconds,
			"train_samples": float64(result.Report.NumExamples),
		}
		if err := writeJSON(filepath.Join(dir, TrainResultsFile), train); err != nil {
			return err
		}
		for k, v := range train {
			all[k] = v
		}
	}
	if result.EvalMetrics != nil {
		if err := writeJSON(filepath.Join(dir, EvalResultsFile), result.EvalMetrics); err != nil {
			return err
		}
		for k, v := range result.EvalMetrics {
			all[k] = v
		}
	}
	if len(all) > 0 {
		if err := writeJSON(filepath.Join(dir, AllResultsFile), all); err != nil {
			return err
		}
	}

	data, err := config.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("%w: unable to encode run config: %w", ErrIO, err)
	}
	if err := os.WriteFile(filepath.Join(dir, RunConfigFile), data, 0o644); err != nil {
		return fmt.Errorf("%w: unable to write run config: %w", ErrIO, err)
	}

	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: unable to encode %s: %w", ErrIO, filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: unable to write %s: %w", ErrIO, filepath.Base(path), err)
	}
	return nil
}
