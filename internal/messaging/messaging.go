package messaging

import (
	"context"
	"errors"
	"time"

	"simcse-runner/internal/config"

	"github.com/google/uuid"
)

const (
	TrainingQueue   = "training_queue"
	DeadLetterQueue = "training_queue.dead"
	runTaskType     = "run"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

var ErrQueueClosed = errors.New("queue is closed")

type Task interface {
	Type() string

	Payload() []byte

	// Redelivered reports whether the broker handed this task out before,
	// e.g. to a worker that stopped before acknowledging it.
	Redelivered() bool

	Ack() error

	Nack() error

	Reject() error
}

// RunTaskPayload asks a worker to execute one experiment run.
type RunTaskPayload struct {
	RunId  uuid.UUID
	Config config.RunConfig
}

type Publisher interface {
	PublishRunTask(ctx context.Context, payload RunTaskPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
