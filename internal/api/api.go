package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"simcse-runner/internal/config"
	"simcse-runner/internal/database"
	"simcse-runner/internal/messaging"
	"simcse-runner/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/datatypes"
	"gopkg.in/yaml.v2"
	"gorm.io/gorm"
)

const maxListLimit = 100

type BackendService struct {
	db        *gorm.DB
	publisher messaging.Publisher
	runsDir   string
}

// NewBackendService serves the run API. Runs whose config leaves output_dir
// at the profile default are written under runsDir/<run id>.
func NewBackendService(db *gorm.DB, publisher messaging.Publisher, runsDir string) *BackendService {
	return &BackendService{db: db, publisher: publisher, runsDir: runsDir}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/profiles", RestHandler(s.ListProfiles))
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", RestHandler(s.SubmitRun))
			r.Get("/", RestHandler(s.ListRuns))
			r.Get("/{run_id}", RestHandler(s.GetRun))
		})
	})
}

func (s *BackendService) ListProfiles(r *http.Request) (any, error) {
	names := config.Profiles()
	profiles := make([]api.Profile, 0, len(names))
	for _, name := range names {
		cfg, err := config.Preset(name)
		if err != nil {
			return nil, CodedError(http.StatusInternalServerError, err)
		}
		profiles = append(profiles, api.Profile{
			Name:          name,
			ModelName:     cfg.ModelName,
			TrainDatasets: cfg.TrainDatasets,
			EvalDataset:   cfg.EvalDataset,
			Evaluation:    string(cfg.Training.EvaluationStrategy),
		})
	}
	return profiles, nil
}

// setsOutputDir reports whether an override document names output_dir.
func setsOutputDir(doc string) bool {
	var keys struct {
		OutputDir *string `yaml:"output_dir"`
	}
	if err := yaml.Unmarshal([]byte(doc), &keys); err != nil {
		return false
	}
	return keys.OutputDir != nil
}

func (s *BackendService) SubmitRun(r *http.Request) (any, error) {
	req, err := ParseRequest[api.SubmitRunRequest](r)
	if err != nil {
		return nil, err
	}

	if req.Profile == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "profile is required (available: %v)", config.Profiles())
	}
	if req.Name == "" {
		req.Name = req.Profile
	}
	if err := validateName(req.Name); err != nil {
		return nil, err
	}

	cfg, err := config.Preset(req.Profile)
	if err != nil {
		return nil, CodedError(http.StatusBadRequest, err)
	}
	if req.Config != "" {
		if cfg, err = cfg.WithOverrides([]byte(req.Config)); err != nil {
			return nil, CodedError(http.StatusUnprocessableEntity, err)
		}
	}

	runId := uuid.New()
	if !setsOutputDir(req.Config) && s.runsDir != "" {
		cfg = cfg.WithOutputDir(filepath.Join(s.runsDir, runId.String()))
	}

	if err := cfg.Validate(); err != nil {
		return nil, CodedError(http.StatusUnprocessableEntity, err)
	}

	encoded, err := json.Marshal(cfg)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error encoding run config: %w", err)
	}

	ctx := r.Context()

	run := database.Run{
		Id:           runId,
		Name:         req.Name,
		Profile:      cfg.Profile,
		ModelName:    cfg.ModelName,
		Status:       database.JobQueued,
		Config:       datatypes.JSON(encoded),
		OutputDir:    cfg.FinalModelDir(),
		CreationTime: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		slog.Error("error creating run", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create run entry")
	}

	if err := s.publisher.PublishRunTask(ctx, messaging.RunTaskPayload{RunId: runId, Config: cfg}); err != nil {
		slog.Error("error publishing run task", "run_id", runId, "error", err)
		database.UpdateRunStatus(ctx, s.db, runId, database.JobFailed) //nolint:errcheck
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue run")
	}

	slog.Info("submitted run", "run_id", runId, "profile", cfg.Profile)
	return api.SubmitRunResponse{RunId: runId}, nil
}

func (s *BackendService) ListRuns(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListRunsParams](r)
	if err != nil {
		return nil, err
	}
	if params.Limit <= 0 || params.Limit > maxListLimit {
		params.Limit = maxListLimit
	}
	if params.Offset < 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "offset must be >= 0")
	}

	runs, err := database.ListRuns(r.Context(), s.db, database.ListRunsQuery{
		Status:  params.Status,
		Profile: params.Profile,
		Limit:   params.Limit,
		Offset:  params.Offset,
	})
	if err != nil {
		slog.Error("error listing runs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving runs")
	}

	out := make([]api.Run, 0, len(runs))
	for _, run := range runs {
		out = append(out, convertRun(run))
	}
	return out, nil
}

func (s *BackendService) GetRun(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	run, err := database.GetRun(r.Context(), s.db, runId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "run not found")
		}
		slog.Error("error getting run", "run_id", runId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving run record")
	}

	return convertRun(run), nil
}
