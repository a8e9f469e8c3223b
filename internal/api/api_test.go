package api_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	backend "simcse-runner/internal/api"
	"simcse-runner/internal/config"
	"simcse-runner/internal/database"
	"simcse-runner/internal/messaging"
	"simcse-runner/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func createDB(t *testing.T, create ...any) *gorm.DB {
	db, err := database.NewDatabase("", filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

func newRouter(t *testing.T, db *gorm.DB, queue messaging.Publisher, runsDir string) chi.Router {
	service := backend.NewBackendService(db, queue, runsDir)
	router := chi.NewRouter()
	router.Use(backend.MetricsMiddleware)
	service.AddRoutes(router)
	return router
}

func doRequest(router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var payload bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&payload).Encode(body)
	}
	req := httptest.NewRequest(method, path, &payload)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	router := newRouter(t, createDB(t), messaging.NewInMemoryQueue(), "")

	rec := doRequest(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "simcse_http_requests_total")
}

func TestListProfiles(t *testing.T) {
	router := newRouter(t, createDB(t), messaging.NewInMemoryQueue(), "")

	rec := doRequest(router, http.MethodGet, "/api/v1/profiles", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var profiles []api.Profile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profiles))
	names := make([]string, len(profiles))
	for i, p := range profiles {
		names[i] = p.Name
	}
	assert.ElementsMatch(t, config.Profiles(), names)
}

func TestSubmitRun(t *testing.T) {
	db := createDB(t)
	queue := messaging.NewInMemoryQueue()
	runsDir := t.TempDir()
	router := newRouter(t, db, queue, runsDir)

	rec := doRequest(router, http.MethodPost, "/api/v1/runs", api.SubmitRunRequest{
		Name:    "unsup-small",
		Profile: config.UnsupervisedProfile,
		Config:  "training:\n  learning_rate: 0.001\n  num_train_epochs: 1\n",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp api.SubmitRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	task := <-queue.Tasks()
	assert.Equal(t, messaging.TrainingQueue, task.Type())
	var payload messaging.RunTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, resp.RunId, payload.RunId)
	assert.Equal(t, 0.001, payload.Config.Training.LearningRate)
	assert.Equal(t, 1, payload.Config.Training.NumTrainEpochs)
	assert.Equal(t, filepath.Join(runsDir, resp.RunId.String()), payload.Config.OutputDir)

	run, err := database.GetRun(context.Background(), db, resp.RunId)
	require.NoError(t, err)
	assert.Equal(t, database.JobQueued, run.Status)
	assert.Equal(t, "unsup-small", run.Name)
	assert.Equal(t, payload.Config.FinalModelDir(), run.OutputDir)

	var stored config.RunConfig
	require.NoError(t, json.Unmarshal(run.Config, &stored))
	assert.Equal(t, payload.Config, stored)
}

func TestSubmitRunKeepsExplicitOutputDir(t *testing.T) {
	preset, err := config.Preset(config.UnsupervisedProfile)
	require.NoError(t, err)

	for _, dir := range []string{preset.OutputDir, filepath.Join(t.TempDir(), "mine")} {
		queue := messaging.NewInMemoryQueue()
		router := newRouter(t, createDB(t), queue, t.TempDir())

		rec := doRequest(router, http.MethodPost, "/api/v1/runs", api.SubmitRunRequest{
			Profile: config.UnsupervisedProfile,
			Config:  "output_dir: " + dir + "\n",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var payload messaging.RunTaskPayload
		require.NoError(t, json.Unmarshal((<-queue.Tasks()).Payload(), &payload))
		assert.Equal(t, dir, payload.Config.OutputDir)
	}
}

func TestSubmitRunValidation(t *testing.T) {
	router := newRouter(t, createDB(t), messaging.NewInMemoryQueue(), "")

	cases := []struct {
		name string
		req  api.SubmitRunRequest
		code int
	}{
		{"missing profile", api.SubmitRunRequest{Name: "x"}, http.StatusBadRequest},
		{"unknown profile", api.SubmitRunRequest{Profile: "nope"}, http.StatusBadRequest},
		{"bad name", api.SubmitRunRequest{Name: "bad name!", Profile: config.BootstrapProfile}, http.StatusBadRequest},
		{"unknown key", api.SubmitRunRequest{Profile: config.BootstrapProfile, Config: "no_such_key: 1\n"}, http.StatusUnprocessableEntity},
		{"invalid value", api.SubmitRunRequest{Profile: config.BootstrapProfile, Config: "training:\n  per_device_train_batch_size: 0\n"}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		rec := doRequest(router, http.MethodPost, "/api/v1/runs", tc.req)
		assert.Equal(t, tc.code, rec.Code, tc.name)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRunQueueClosed(t *testing.T) {
	db := createDB(t)
	queue := messaging.NewInMemoryQueue()
	queue.Close()
	router := newRouter(t, db, queue, "")

	rec := doRequest(router, http.MethodPost, "/api/v1/runs", api.SubmitRunRequest{Profile: config.UnsupervisedProfile})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	runs, err := database.ListRuns(context.Background(), db, database.ListRunsQuery{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, database.JobFailed, runs[0].Status)
}

func TestListAndGetRuns(t *testing.T) {
	now := time.Now().UTC()
	loss := 0.3
	id1, id2 := uuid.New(), uuid.New()
	db := createDB(t,
		&database.Run{Id: id1, Name: "a", Profile: "bootstrap", ModelName: "m", Status: database.JobCompleted, CreationTime: now.Add(-time.Minute),
			TrainingLoss: sql.NullFloat64{Float64: loss, Valid: true}, EvalMetrics: datatypes.JSON(`{"eval_stsb_spearman": 0.7}`)},
		&database.Run{Id: id2, Name: "b", Profile: "unsupervised", ModelName: "m", Status: database.JobQueued, CreationTime: now},
		&database.RunCheckpoint{RunId: id1, Path: "/out/checkpoint-2", Best: true},
	)
	router := newRouter(t, db, messaging.NewInMemoryQueue(), "")

	rec := doRequest(router, http.MethodGet, "/api/v1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []api.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, id2, runs[0].Id)

	rec = doRequest(router, http.MethodGet, "/api/v1/runs?profile=bootstrap&status=COMPLETED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, id1, runs[0].Id)

	rec = doRequest(router, http.MethodGet, "/api/v1/runs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/v1/runs/"+id1.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run api.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "a", run.Name)
	require.NotNil(t, run.TrainingLoss)
	assert.Equal(t, loss, *run.TrainingLoss)
	assert.Equal(t, 0.7, run.EvalMetrics["eval_stsb_spearman"])
	assert.Equal(t, []api.Checkpoint{{Path: "/out/checkpoint-2", Best: true}}, run.Checkpoints)

	rec = doRequest(router, http.MethodGet, "/api/v1/runs/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/v1/runs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
