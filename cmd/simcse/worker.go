package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"simcse-runner/cmd"
	"simcse-runner/internal/core"
	"simcse-runner/internal/database"
	"simcse-runner/internal/messaging"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume queued runs and execute them",
	Long:  `Consumes run tasks from RabbitMQ when RABBITMQ_URL is set, otherwise from an in memory queue seeded with the runs still queued in the database.`,
	RunE: func(c *cobra.Command, args []string) error {
		db, err := database.NewDatabase(appConfig.DatabaseURL, appConfig.SqlitePath())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		publisher, reciever, err := openQueue(context.Background(), db, true)
		if err != nil {
			return err
		}

		processor, err := newProcessor(db, publisher, reciever)
		if err != nil {
			publisher.Close()
			reciever.Close()
			return err
		}

		go func() {
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit
			slog.Info("shutting down worker")
			processor.Stop()
		}()

		processor.Start()
		slog.Info("worker stopped")
		return nil
	},
}

// openQueue connects to RabbitMQ when configured. Without a broker the API
// and the worker share one in memory queue inside this process. The
// reciever is nil when consume is false and a broker is used.
func openQueue(ctx context.Context, db *gorm.DB, consume bool) (messaging.Publisher, messaging.Reciever, error) {
	if appConfig.RabbitMQURL == "" {
		queue, err := cmd.CreateQueue(ctx, db)
		if err != nil {
			return nil, nil, err
		}
		return queue, queue, nil
	}

	publisher, err := messaging.NewRabbitMQPublisher(appConfig.RabbitMQURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create rabbitmq publisher: %w", err)
	}
	if !consume {
		return publisher, nil, nil
	}
	reciever, err := messaging.NewRabbitMQReceiver(appConfig.RabbitMQURL)
	if err != nil {
		publisher.Close()
		return nil, nil, fmt.Errorf("failed to create rabbitmq receiver: %w", err)
	}
	return publisher, reciever, nil
}

func newProcessor(db *gorm.DB, publisher messaging.Publisher, reciever messaging.Reciever) (*core.TaskProcessor, error) {
	store, err := cmd.NewObjectStore(appConfig)
	if err != nil {
		return nil, err
	}
	runner := cmd.NewRunner(appConfig, store, false)
	return core.NewTaskProcessor(db, store, publisher, reciever, runner, appConfig.ArtifactBucket), nil
}
