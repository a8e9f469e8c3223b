package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"simcse-runner/internal/core"
	"simcse-runner/internal/database"
	"simcse-runner/internal/messaging"
	"simcse-runner/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordedTask struct {
	queue       string
	payload     []byte
	redelivered bool
	acked       bool
	nacked      bool
	reject      bool
}

func (t *recordedTask) Type() string      { return t.queue }
func (t *recordedTask) Payload() []byte   { return t.payload }
func (t *recordedTask) Redelivered() bool { return t.redelivered }
func (t *recordedTask) Ack() error        { t.acked = true; return nil }
func (t *recordedTask) Nack() error       { t.nacked = true; return nil }
func (t *recordedTask) Reject() error     { t.reject = true; return nil }

type processorFixture struct {
	*fixture
	db    *gorm.DB
	store *storage.LocalObjectStore
	queue *messaging.InMemoryQueue
	proc  *core.TaskProcessor
}

func newProcessorFixture(t *testing.T) *processorFixture {
	f := &processorFixture{fixture: newFixture(t), queue: messaging.NewInMemoryQueue()}

	var err error
	f.db, err = database.NewDatabase("", filepath.Join(f.root, "db", "runs.db"))
	require.NoError(t, err)
	f.store, err = storage.NewLocalObjectStore(filepath.Join(f.root, "objects"))
	require.NoError(t, err)

	f.proc = core.NewTaskProcessor(f.db, f.store, f.queue, f.queue, f.runner, "artifacts")
	return f
}

func (f *processorFixture) createRun(t *testing.T) uuid.UUID {
	run := database.Run{Id: uuid.New(), Name: "test", Profile: "unsupervised", ModelName: "example/base-model", Status: database.JobQueued, CreationTime: time.Now().UTC()}
	require.NoError(t, f.db.Create(&run).Error)
	return run.Id
}

func TestProcessorCompletesRun(t *testing.T) {
	f := newProcessorFixture(t)
	writeDataset(t, f.path("train"), 6, 0)
	cfg := f.config(f.path("train"))

	runId := f.createRun(t)
	require.NoError(t, f.queue.PublishRunTask(context.Background(), messaging.RunTaskPayload{RunId: runId, Config: cfg}))
	f.queue.Close()
	f.proc.Start()

	run, err := database.GetRun(context.Background(), f.db, runId)
	require.NoError(t, err)
	assert.Equal(t, database.JobCompleted, run.Status)
	assert.Equal(t, 6, run.TrainExamples)
	assert.Equal(t, 2, run.GlobalStep)
	assert.Equal(t, "cpu", run.Device)
	assert.Equal(t, "s3://artifacts/"+runId.String(), run.ArtifactURI.String)
	assert.Empty(t, run.Errors)

	objects, err := f.store.ListObjects(context.Background(), "artifacts", runId.String())
	require.NoError(t, err)
	names := make([]string, len(objects))
	for i, obj := range objects {
		names[i] = obj.Name
	}
	assert.Contains(t, names, runId.String()+"/"+core.RunConfigFile)
	assert.Contains(t, names, runId.String()+"/model.safetensors")
}

func TestProcessorRecordsFailure(t *testing.T) {
	f := newProcessorFixture(t)
	cfg := f.config(f.path("missing"))

	runId := f.createRun(t)
	payload, err := json.Marshal(messaging.RunTaskPayload{RunId: runId, Config: cfg})
	require.NoError(t, err)

	task := &recordedTask{queue: messaging.TrainingQueue, payload: payload}
	f.proc.ProcessTask(task)
	assert.True(t, task.nacked)
	assert.False(t, task.acked)

	run, err := database.GetRun(context.Background(), f.db, runId)
	require.NoError(t, err)
	assert.Equal(t, database.JobFailed, run.Status)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, "DatasetLoadError", run.Errors[0].Kind)
}

func TestProcessorRejectsBadTasks(t *testing.T) {
	f := newProcessorFixture(t)

	malformed := &recordedTask{queue: messaging.TrainingQueue, payload: []byte("{not json")}
	f.proc.ProcessTask(malformed)
	assert.True(t, malformed.reject)

	unknown := &recordedTask{queue: "inference_queue", payload: []byte("{}")}
	f.proc.ProcessTask(unknown)
	assert.True(t, unknown.reject)

	assert.Empty(t, f.trainer.trainJobs)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "ConfigurationError", core.ErrorKind(core.ErrConfiguration))
	assert.Equal(t, "TrainingError", core.ErrorKind(errors.Join(errors.New("x"), core.ErrTraining)))
	assert.Equal(t, "", core.ErrorKind(errors.New("other")))
}

func TestProcessorSkipsFinishedRedeliveredRun(t *testing.T) {
	f := newProcessorFixture(t)
	writeDataset(t, f.path("train"), 4, 0)

	runId := f.createRun(t)
	require.NoError(t, database.UpdateRunStatus(context.Background(), f.db, runId, database.JobCompleted))
	payload, err := json.Marshal(messaging.RunTaskPayload{RunId: runId, Config: f.config(f.path("train"))})
	require.NoError(t, err)

	task := &recordedTask{queue: messaging.TrainingQueue, payload: payload, redelivered: true}
	f.proc.ProcessTask(task)
	assert.True(t, task.acked)
	assert.Empty(t, f.trainer.trainJobs)
}

func TestProcessorRestartsInterruptedRun(t *testing.T) {
	f := newProcessorFixture(t)
	writeDataset(t, f.path("train"), 4, 0)

	runId := f.createRun(t)
	require.NoError(t, database.UpdateRunStatus(context.Background(), f.db, runId, database.JobRunning))
	payload, err := json.Marshal(messaging.RunTaskPayload{RunId: runId, Config: f.config(f.path("train"))})
	require.NoError(t, err)

	task := &recordedTask{queue: messaging.TrainingQueue, payload: payload, redelivered: true}
	f.proc.ProcessTask(task)
	assert.True(t, task.acked)
	assert.Len(t, f.trainer.trainJobs, 1)

	run, err := database.GetRun(context.Background(), f.db, runId)
	require.NoError(t, err)
	assert.Equal(t, database.JobCompleted, run.Status)
}
