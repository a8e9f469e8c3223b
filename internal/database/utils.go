package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func UpdateRunStatus(ctx context.Context, txn *gorm.DB, runId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	switch status {
	case JobRunning:
		updates["start_time"] = time.Now().UTC()
	case JobCompleted, JobFailed:
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&Run{Id: runId}).Updates(updates).Error; err != nil {
		slog.Error("error updating run status", "run_id", runId, "status", status, "error", err)
		return err
	}
	return nil
}

func SaveRunError(ctx context.Context, txn *gorm.DB, runId uuid.UUID, kind, errorMessage string) {
	runError := RunError{
		RunId:     runId,
		ErrorId:   uuid.New(),
		Kind:      kind,
		Error:     errorMessage,
		Timestamp: time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&runError).Error; err != nil {
		slog.Error("error saving run error", "run_id", runId, "error", err)
	}
}

// RunOutcome is what a finished run reports back for bookkeeping.
type RunOutcome struct {
	Device        string
	OutputDir     string
	ArtifactURI   string
	TrainExamples int
	EvalExamples  int
	GlobalStep    int
	TrainingLoss  *float64
	BestMetric    *float64
	EvalMetrics   map[string]float64
	Checkpoints   []string
	Best          string
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// SaveRunOutcome records the results of a run and its surviving checkpoints
// and marks it completed.
func SaveRunOutcome(ctx context.Context, db *gorm.DB, runId uuid.UUID, outcome RunOutcome) error {
	metrics, err := json.Marshal(outcome.EvalMetrics)
	if err != nil {
		return fmt.Errorf("could not marshal eval metrics: %w", err)
	}

	return db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		updates := map[string]any{
			"device":          outcome.Device,
			"output_dir":      outcome.OutputDir,
			"artifact_uri":    sql.NullString{String: outcome.ArtifactURI, Valid: outcome.ArtifactURI != ""},
			"train_examples":  outcome.TrainExamples,
			"eval_examples":   outcome.EvalExamples,
			"global_step":     outcome.GlobalStep,
			"training_loss":   nullFloat(outcome.TrainingLoss),
			"best_metric":     nullFloat(outcome.BestMetric),
			"eval_metrics":    datatypes.JSON(metrics),
			"status":          JobCompleted,
			"completion_time": time.Now().UTC(),
		}
		if err := txn.Model(&Run{Id: runId}).Updates(updates).Error; err != nil {
			return fmt.Errorf("could not update run: %w", err)
		}

		if err := txn.Where("run_id = ?", runId).Delete(&RunCheckpoint{}).Error; err != nil {
			return fmt.Errorf("could not clear old checkpoints: %w", err)
		}

		if len(outcome.Checkpoints) > 0 {
			rows := make([]RunCheckpoint, len(outcome.Checkpoints))
			for i, path := range outcome.Checkpoints {
				rows[i] = RunCheckpoint{RunId: runId, Path: path, Best: path == outcome.Best}
			}
			if err := txn.Create(&rows).Error; err != nil {
				return fmt.Errorf("could not save checkpoints: %w", err)
			}
		}
		return nil
	})
}

// ListRunsQuery filters ListRuns; zero values match everything.
type ListRunsQuery struct {
	Status  string
	Profile string
	Limit   int
	Offset  int
}

func ListRuns(ctx context.Context, db *gorm.DB, q ListRunsQuery) ([]Run, error) {
	query := db.WithContext(ctx).Order("creation_time DESC")
	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	}
	if q.Profile != "" {
		query = query.Where("profile = ?", q.Profile)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	if q.Offset > 0 {
		query = query.Offset(q.Offset)
	}

	var runs []Run
	if err := query.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("could not list runs: %w", err)
	}
	return runs, nil
}

func GetRun(ctx context.Context, db *gorm.DB, runId uuid.UUID) (Run, error) {
	var run Run
	err := db.WithContext(ctx).Preload("Checkpoints").Preload("Errors").First(&run, "id = ?", runId).Error
	return run, err
}
