package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"simcse-runner/internal/database"
	"simcse-runner/internal/messaging"
	"simcse-runner/internal/metrics"
	"simcse-runner/internal/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TaskProcessor consumes run tasks from the queue, executes them with the
// Runner and records their outcome.
type TaskProcessor struct {
	db        *gorm.DB
	storage   storage.ObjectStore
	publisher messaging.Publisher
	reciever  messaging.Reciever

	runner         *Runner
	artifactBucket string
}

// NewTaskProcessor builds a processor. storage may be nil, in which case
// artifacts stay in the run's output directory.
func NewTaskProcessor(db *gorm.DB, storage storage.ObjectStore, publisher messaging.Publisher, reciever messaging.Reciever, runner *Runner, artifactBucket string) *TaskProcessor {
	return &TaskProcessor{
		db:             db,
		storage:        storage,
		publisher:      publisher,
		reciever:       reciever,
		runner:         runner,
		artifactBucket: artifactBucket,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.reciever.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.publisher.Close()
	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {
	case messaging.TrainingQueue:
		var payload messaging.RunTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling run task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		if task.Redelivered() && proc.alreadyFinished(ctx, payload.RunId) {
			if err := task.Ack(); err != nil {
				slog.Error("error acknowledging message from queue", "error", err)
			}
			return
		}
		err = proc.processRunTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil { // reject unknown message type
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

// alreadyFinished reports whether a redelivered run reached a final state
// before its message was acknowledged. Interrupted runs start over.
func (proc *TaskProcessor) alreadyFinished(ctx context.Context, runId uuid.UUID) bool {
	run, err := database.GetRun(ctx, proc.db, runId)
	if err != nil {
		slog.Warn("redelivered run not found, running it", "run_id", runId, "error", err)
		return false
	}
	switch run.Status {
	case database.JobCompleted, database.JobFailed:
		slog.Info("skipping redelivered run", "run_id", runId, "status", run.Status)
		return true
	}
	slog.Warn("restarting interrupted run", "run_id", runId, "status", run.Status)
	return false
}

func (proc *TaskProcessor) failRun(ctx context.Context, runId uuid.UUID, err error) {
	kind := ErrorKind(err)
	if kind == "" {
		kind = "InternalError"
	}
	database.SaveRunError(ctx, proc.db, runId, kind, err.Error())
	database.UpdateRunStatus(ctx, proc.db, runId, database.JobFailed) //nolint:errcheck
	metrics.Runs.WithLabelValues(database.JobFailed).Inc()
}

func (proc *TaskProcessor) processRunTask(ctx context.Context, payload messaging.RunTaskPayload) error {
	if err := database.UpdateRunStatus(ctx, proc.db, payload.RunId, database.JobRunning); err != nil {
		return fmt.Errorf("error updating run status: %w", err)
	}

	slog.Info("processing run task", "run_id", payload.RunId, "profile", payload.Config.Profile, "model", payload.Config.ModelName)

	result, err := proc.runner.Run(ctx, payload.Config)
	if err != nil {
		proc.failRun(ctx, payload.RunId, err)
		slog.Error("run failed", "run_id", payload.RunId, "kind", ErrorKind(err), "error", err)
		return err
	}

	outcome := database.RunOutcome{
		Device:        result.Device.Kind,
		OutputDir:     result.OutputDir,
		TrainExamples: result.TrainExamples,
		EvalExamples:  result.EvalExamples,
		EvalMetrics:   result.EvalMetrics,
	}
	if report := result.Report; report != nil {
		loss := report.TrainingLoss
		outcome.GlobalStep = report.GlobalStep
		outcome.TrainingLoss = &loss
		outcome.BestMetric = report.BestMetric
		outcome.Checkpoints = report.Checkpoints
		outcome.Best = report.BestCheckpoint
	}

	if proc.storage != nil && proc.artifactBucket != "" {
		prefix := payload.RunId.String()
		if err := proc.storage.UploadDir(ctx, proc.artifactBucket, prefix, result.OutputDir); err != nil {
			err = fmt.Errorf("%w: error uploading run artifacts: %w", ErrIO, err)
			proc.failRun(ctx, payload.RunId, err)
			slog.Error("error uploading run artifacts", "run_id", payload.RunId, "error", err)
			return err
		}
		outcome.ArtifactURI = storage.URI{Bucket: proc.artifactBucket, Prefix: prefix}.String()
		slog.Info("run artifacts uploaded", "run_id", payload.RunId, "uri", outcome.ArtifactURI)
	}

	if err := database.SaveRunOutcome(ctx, proc.db, payload.RunId, outcome); err != nil {
		return fmt.Errorf("error saving run outcome: %w", err)
	}
	metrics.Runs.WithLabelValues(database.JobCompleted).Inc()

	slog.Info("run completed", "run_id", payload.RunId, "output_dir", result.OutputDir)

	return nil
}
