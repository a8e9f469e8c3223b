package api

import (
	"time"

	"github.com/google/uuid"
)

type Checkpoint struct {
	Path string
	Best bool
}

type RunError struct {
	Kind      string
	Error     string
	Timestamp time.Time
}

type Run struct {
	Id        uuid.UUID
	Name      string
	Profile   string
	ModelName string
	Status    string
	Device    string `json:"Device,omitempty"`

	OutputDir   string `json:"OutputDir,omitempty"`
	ArtifactURI string `json:"ArtifactURI,omitempty"`

	TrainExamples int
	EvalExamples  int
	GlobalStep    int
	TrainingLoss  *float64           `json:"TrainingLoss,omitempty"`
	BestMetric    *float64           `json:"BestMetric,omitempty"`
	EvalMetrics   map[string]float64 `json:"EvalMetrics,omitempty"`

	CreationTime   time.Time
	StartTime      *time.Time `json:"StartTime,omitempty"`
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`

	Checkpoints []Checkpoint `json:"Checkpoints,omitempty"`
	Errors      []RunError   `json:"Errors,omitempty"`
}

// SubmitRunRequest starts a run from a named profile. Config is an optional
// YAML document whose keys override the profile.
type SubmitRunRequest struct {
	Name    string
	Profile string
	Config  string
}

type SubmitRunResponse struct {
	RunId uuid.UUID
}

type ListRunsParams struct {
	Status  string `schema:"status"`
	Profile string `schema:"profile"`
	Limit   int    `schema:"limit"`
	Offset  int    `schema:"offset"`
}

type Profile struct {
	Name          string
	ModelName     string
	TrainDatasets []string
	EvalDataset   string `json:"EvalDataset,omitempty"`
	Evaluation    string
}
