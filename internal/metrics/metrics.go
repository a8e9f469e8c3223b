package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TrainingSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simcse_training_steps_total",
			Help: "Optimizer steps taken",
		},
		[]string{"profile"},
	)

	TrainingLoss = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "simcse_training_loss",
			Help: "Mean training loss over the last logging window",
		},
		[]string{"profile"},
	)

	LearningRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "simcse_learning_rate",
			Help: "Current learning rate",
		},
		[]string{"profile"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "simcse_step_duration_seconds",
			Help:    "Wall time of one optimizer step",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"profile"},
	)

	EvalMetric = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "simcse_eval_metric",
			Help: "Latest value of each evaluation metric",
		},
		[]string{"profile", "metric"},
	)

	CheckpointsSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simcse_checkpoints_saved_total",
			Help: "Checkpoints written to disk",
		},
		[]string{"profile"},
	)

	Runs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simcse_runs_total",
			Help: "Finished runs by status",
		},
		[]string{"status"},
	)

	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simcse_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)
)
