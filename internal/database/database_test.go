package database_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"simcse-runner/internal/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	db, err := database.NewDatabase("", filepath.Join(t.TempDir(), "db", "runs.db"))
	require.NoError(t, err)
	return db
}

func createRun(t *testing.T, db *gorm.DB, profile string, created time.Time) database.Run {
	run := database.Run{
		Id:           uuid.New(),
		Name:         "run-" + profile,
		Profile:      profile,
		ModelName:    "example/base-model",
		Status:       database.JobQueued,
		Config:       datatypes.JSON(`{"profile":"` + profile + `"}`),
		CreationTime: created,
	}
	require.NoError(t, db.Create(&run).Error)
	return run
}

func TestRunLifecycle(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	run := createRun(t, db, "bootstrap", time.Now().UTC())

	require.NoError(t, database.UpdateRunStatus(ctx, db, run.Id, database.JobRunning))
	stored, err := database.GetRun(ctx, db, run.Id)
	require.NoError(t, err)
	assert.Equal(t, database.JobRunning, stored.Status)
	assert.True(t, stored.StartTime.Valid)
	assert.False(t, stored.CompletionTime.Valid)

	loss, best := 0.25, 0.81
	outcome := database.RunOutcome{
		Device:        "cpu",
		OutputDir:     "/out/run",
		ArtifactURI:   "s3://artifacts/runs/x",
		TrainExamples: 12,
		EvalExamples:  4,
		GlobalStep:    6,
		TrainingLoss:  &loss,
		BestMetric:    &best,
		EvalMetrics:   map[string]float64{"eval_stsb_spearman": best},
		Checkpoints:   []string{"/out/run/checkpoint-4", "/out/run/checkpoint-6"},
		Best:          "/out/run/checkpoint-4",
	}
	require.NoError(t, database.SaveRunOutcome(ctx, db, run.Id, outcome))

	stored, err = database.GetRun(ctx, db, run.Id)
	require.NoError(t, err)
	assert.Equal(t, database.JobCompleted, stored.Status)
	assert.True(t, stored.CompletionTime.Valid)
	assert.Equal(t, "cpu", stored.Device)
	assert.Equal(t, "s3://artifacts/runs/x", stored.ArtifactURI.String)
	assert.Equal(t, 6, stored.GlobalStep)
	assert.InDelta(t, 0.25, stored.TrainingLoss.Float64, 1e-12)
	assert.JSONEq(t, `{"eval_stsb_spearman": 0.81}`, string(stored.EvalMetrics))
	require.Len(t, stored.Checkpoints, 2)
	for _, ckpt := range stored.Checkpoints {
		assert.Equal(t, ckpt.Path == outcome.Best, ckpt.Best)
	}

	// Saving again replaces the checkpoint list.
	outcome.Checkpoints = outcome.Checkpoints[:1]
	require.NoError(t, database.SaveRunOutcome(ctx, db, run.Id, outcome))
	stored, err = database.GetRun(ctx, db, run.Id)
	require.NoError(t, err)
	assert.Len(t, stored.Checkpoints, 1)
}

func TestSaveRunError(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	run := createRun(t, db, "unsupervised", time.Now().UTC())

	database.SaveRunError(ctx, db, run.Id, "DatasetLoadError", "dataset not found")
	require.NoError(t, database.UpdateRunStatus(ctx, db, run.Id, database.JobFailed))

	stored, err := database.GetRun(ctx, db, run.Id)
	require.NoError(t, err)
	assert.Equal(t, database.JobFailed, stored.Status)
	require.Len(t, stored.Errors, 1)
	assert.Equal(t, "DatasetLoadError", stored.Errors[0].Kind)
	assert.Equal(t, "dataset not found", stored.Errors[0].Error)
}

func TestListRuns(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := createRun(t, db, "bootstrap", now.Add(-2*time.Minute))
	second := createRun(t, db, "unsupervised", now.Add(-time.Minute))
	third := createRun(t, db, "bootstrap", now)
	require.NoError(t, database.UpdateRunStatus(ctx, db, third.Id, database.JobRunning))

	runs, err := database.ListRuns(ctx, db, database.ListRunsQuery{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []uuid.UUID{third.Id, second.Id, first.Id}, []uuid.UUID{runs[0].Id, runs[1].Id, runs[2].Id})

	runs, err = database.ListRuns(ctx, db, database.ListRunsQuery{Profile: "bootstrap"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = database.ListRuns(ctx, db, database.ListRunsQuery{Status: database.JobQueued, Limit: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, second.Id, runs[0].Id)

	runs, err = database.ListRuns(ctx, db, database.ListRunsQuery{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, first.Id, runs[0].Id)
}

func TestMigrationsFromInitialSchema(t *testing.T) {
	db := setupDB(t)
	assert.True(t, db.Migrator().HasColumn(&database.Run{}, "device"))
	assert.True(t, db.Migrator().HasTable(&database.RunCheckpoint{}))

	// Running the migrator again is a no-op.
	require.NoError(t, database.GetMigrator(db).Migrate())
}
