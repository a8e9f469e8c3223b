package core

import (
	"context"

	"simcse-runner/internal/config"
	"simcse-runner/internal/datasets"
)

type MetricMap map[string]float64

// TrainJob is everything a trainer needs for one run.
type TrainJob struct {
	Model     Model
	Tokenizer Tokenizer
	Train     *datasets.Dataset
	Eval      *datasets.Dataset
	Collator  Collator
	Config    config.RunConfig
	Device    config.Device
}

type LogEntry struct {
	Epoch        float64   `json:"epoch"`
	Step         int       `json:"step"`
	Loss         *float64  `json:"loss,omitempty"`
	LearningRate *float64  `json:"learning_rate,omitempty"`
	Metrics      MetricMap `json:"metrics,omitempty"`
}

type TrainingReport struct {
	GlobalStep     int        `json:"global_step"`
	TrainingLoss   float64    `json:"training_loss"`
	NumExamples    int        `json:"train_samples"`
	RuntimeSeconds float64    `json:"train_runtime"`
	BestCheckpoint string     `json:"best_model_checkpoint,omitempty"`
	BestMetric     *float64   `json:"best_metric,omitempty"`
	Checkpoints    []string   `json:"checkpoints,omitempty"`
	LogHistory     []LogEntry `json:"log_history,omitempty"`
}

// Trainer runs the optimization loop and evaluation passes. Train mutates
// job.Model in place; Evaluate must leave it unchanged.
type Trainer interface {
	Train(ctx context.Context, job TrainJob) (TrainingReport, error)

	Evaluate(ctx context.Context, job TrainJob) (MetricMap, error)
}
