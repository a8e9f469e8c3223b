//go:build integration
// +build integration

// Run with: go test -tags=integration ./internal/messaging/...

package messaging_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"simcse-runner/internal/config"
	"simcse-runner/internal/messaging"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
)

func startRabbitMQ(ctx context.Context, t *testing.T) string {
	rabbitmqContainer, err := rabbitmq.Run(ctx, "rabbitmq:3.11-management")
	require.NoError(t, err, "Failed to start RabbitMQ container")
	t.Cleanup(func() {
		if err := rabbitmqContainer.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate RabbitMQ container: %v", err)
		}
	})

	connStr, err := rabbitmqContainer.AmqpURL(ctx)
	require.NoError(t, err, "Failed to get RabbitMQ AMQP URL")
	return connStr
}

func nextTask(ctx context.Context, t *testing.T, receiver *messaging.RabbitMQReceiver) messaging.Task {
	select {
	case task, ok := <-receiver.Tasks():
		require.True(t, ok, "receiver closed")
		return task
	case <-ctx.Done():
		t.Fatal("timed out waiting for run task")
	}
	return nil
}

func TestPublishConsumeRunTask(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	connStr := startRabbitMQ(ctx, t)

	publisher, err := messaging.NewRabbitMQPublisher(connStr)
	require.NoError(t, err)
	defer publisher.Close()

	receiver, err := messaging.NewRabbitMQReceiver(connStr)
	require.NoError(t, err)
	defer receiver.Close()

	cfg, err := config.Preset(config.BootstrapProfile)
	require.NoError(t, err)
	payload := messaging.RunTaskPayload{RunId: uuid.New(), Config: cfg}
	require.NoError(t, publisher.PublishRunTask(ctx, payload))

	task := nextTask(ctx, t, receiver)
	assert.Equal(t, messaging.TrainingQueue, task.Type())
	assert.False(t, task.Redelivered())

	var got messaging.RunTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &got))
	assert.Equal(t, payload.RunId, got.RunId)
	assert.Equal(t, cfg.ModelName, got.Config.ModelName)
	require.NoError(t, task.Ack())
}

func TestFailedRunIsDeadLettered(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	connStr := startRabbitMQ(ctx, t)

	publisher, err := messaging.NewRabbitMQPublisher(connStr)
	require.NoError(t, err)
	defer publisher.Close()

	receiver, err := messaging.NewRabbitMQReceiver(connStr)
	require.NoError(t, err)
	defer receiver.Close()

	cfg, err := config.Preset(config.UnsupervisedProfile)
	require.NoError(t, err)
	runId := uuid.New()
	require.NoError(t, publisher.PublishRunTask(ctx, messaging.RunTaskPayload{RunId: runId, Config: cfg}))
	require.NoError(t, nextTask(ctx, t, receiver).Nack())

	conn, err := amqp.Dial(connStr)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)

	var dead amqp.Delivery
	require.Eventually(t, func() bool {
		msg, ok, err := ch.Get(messaging.DeadLetterQueue, true)
		if err != nil || !ok {
			return false
		}
		dead = msg
		return true
	}, 30*time.Second, 200*time.Millisecond)

	assert.Equal(t, runId.String(), dead.MessageId)
	assert.Equal(t, config.UnsupervisedProfile, dead.Headers["profile"])
}

func TestUnacknowledgedRunIsRedelivered(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	connStr := startRabbitMQ(ctx, t)

	publisher, err := messaging.NewRabbitMQPublisher(connStr)
	require.NoError(t, err)
	defer publisher.Close()

	cfg, err := config.Preset(config.UnsupervisedProfile)
	require.NoError(t, err)
	runId := uuid.New()
	require.NoError(t, publisher.PublishRunTask(ctx, messaging.RunTaskPayload{RunId: runId, Config: cfg}))

	first, err := messaging.NewRabbitMQReceiver(connStr)
	require.NoError(t, err)
	assert.False(t, nextTask(ctx, t, first).Redelivered())
	first.Close()

	second, err := messaging.NewRabbitMQReceiver(connStr)
	require.NoError(t, err)
	defer second.Close()

	task := nextTask(ctx, t, second)
	assert.True(t, task.Redelivered())
	var got messaging.RunTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &got))
	assert.Equal(t, runId, got.RunId)
	require.NoError(t, task.Ack())
}
