package api

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"simcse-runner/internal/database"
	"simcse-runner/pkg/api"
)

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	return &f.Float64
}

func convertRun(run database.Run) api.Run {
	out := api.Run{
		Id:             run.Id,
		Name:           run.Name,
		Profile:        run.Profile,
		ModelName:      run.ModelName,
		Status:         run.Status,
		Device:         run.Device,
		OutputDir:      run.OutputDir,
		ArtifactURI:    run.ArtifactURI.String,
		TrainExamples:  run.TrainExamples,
		EvalExamples:   run.EvalExamples,
		GlobalStep:     run.GlobalStep,
		TrainingLoss:   nullFloat(run.TrainingLoss),
		BestMetric:     nullFloat(run.BestMetric),
		CreationTime:   run.CreationTime,
		StartTime:      nullTime(run.StartTime),
		CompletionTime: nullTime(run.CompletionTime),
	}

	if len(run.EvalMetrics) > 0 {
		if err := json.Unmarshal(run.EvalMetrics, &out.EvalMetrics); err != nil {
			slog.Error("error decoding stored eval metrics", "run_id", run.Id, "error", err)
		}
	}

	for _, ckpt := range run.Checkpoints {
		out.Checkpoints = append(out.Checkpoints, api.Checkpoint{Path: ckpt.Path, Best: ckpt.Best})
	}
	for _, e := range run.Errors {
		out.Errors = append(out.Errors, api.RunError{Kind: e.Kind, Error: e.Error, Timestamp: e.Timestamp})
	}

	return out
}
