package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"simcse-runner/internal/api"
	"simcse-runner/internal/database"
	"simcse-runner/internal/messaging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var serveFlags struct {
	port       int
	withWorker bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run API",
	Long: `Serves the HTTP API for submitting and inspecting runs. Without RABBITMQ_URL the
API publishes to an in memory queue and runs are executed inside this process.`,
	RunE: func(c *cobra.Command, args []string) error {
		db, err := database.NewDatabase(appConfig.DatabaseURL, appConfig.SqlitePath())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		// The in memory queue is only reachable from this process, so it
		// always gets a local worker.
		inProcess := serveFlags.withWorker || appConfig.RabbitMQURL == ""

		publisher, reciever, err := openQueue(context.Background(), db, inProcess)
		if err != nil {
			return err
		}

		stopWorker := func() { publisher.Close() }
		if inProcess {
			processor, err := newProcessor(db, publisher, reciever)
			if err != nil {
				publisher.Close()
				reciever.Close()
				return err
			}
			go processor.Start()
			stopWorker = processor.Stop
		}
		defer stopWorker()

		port := appConfig.APIPort
		if c.Flags().Changed("port") {
			port = serveFlags.port
		}
		server := createServer(db, publisher, port)

		go func() {
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit
			slog.Info("shutting down server")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := server.Shutdown(ctx); err != nil {
				slog.Error("server forced to shutdown", "error", err)
			}
		}()

		slog.Info("api server listening", "port", port, "in_process_worker", inProcess)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on %d: %w", port, err)
		}

		slog.Info("server stopped")
		return nil
	},
}

func createServer(db *gorm.DB, publisher messaging.Publisher, port int) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(api.MetricsMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	service := api.NewBackendService(db, publisher, filepath.Join(appConfig.Root, "runs"))
	service.AddRoutes(r)

	return &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: r,
	}
}

func init() {
	serveCmd.Flags().IntVar(&serveFlags.port, "port", 0, "listen port (default API_PORT)")
	serveCmd.Flags().BoolVar(&serveFlags.withWorker, "with-worker", false, "also execute runs in this process when using RabbitMQ")
}
