package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

// Run is one execution of the experiment pipeline.
type Run struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name      string `gorm:"not null"`
	Profile   string `gorm:"size:64;not null"`
	ModelName string `gorm:"not null"`
	Status    string `gorm:"size:20;not null"`
	Device    string `gorm:"size:20"`

	// Config is the full run configuration as submitted.
	Config datatypes.JSON

	OutputDir   string
	ArtifactURI sql.NullString

	TrainExamples int `gorm:"default:0"`
	EvalExamples  int `gorm:"default:0"`
	GlobalStep    int `gorm:"default:0"`
	TrainingLoss  sql.NullFloat64
	BestMetric    sql.NullFloat64
	EvalMetrics   datatypes.JSON

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	Checkpoints []RunCheckpoint `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
	Errors      []RunError      `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

type RunCheckpoint struct {
	RunId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Path  string    `gorm:"primaryKey"`
	Best  bool      `gorm:"default:false"`
}

type RunError struct {
	RunId     uuid.UUID `gorm:"type:uuid;primaryKey"`
	ErrorId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Kind      string    `gorm:"size:32"`
	Error     string
	Timestamp time.Time
}
