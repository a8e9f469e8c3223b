package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"simcse-runner/internal/config"
	"simcse-runner/internal/core"
	"simcse-runner/internal/core/tokenizer"
	"simcse-runner/internal/database"
	"simcse-runner/internal/hub"
	"simcse-runner/internal/messaging"
	"simcse-runner/internal/storage"
	"simcse-runner/internal/trainer"

	"gorm.io/gorm"
)

const hubTimeout = 10 * time.Minute

// SetupLogging sends log output to stderr and, when logFile is set, to that
// file as well. The returned func closes the file.
func SetupLogging(logFile string, debug bool) (func(), error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	closer := func() {}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), os.ModePerm); err != nil {
			return nil, fmt.Errorf("error creating directory for log file: %w", err)
		}
		f, err := os.OpenFile(logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("error opening log file: %w", err)
		}
		out = io.MultiWriter(f, os.Stderr)
		closer = func() { f.Close() }
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetOutput(out)
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))

	return closer, nil
}

// NewObjectStore returns an S3 store when S3 is configured and a local
// directory store under the root otherwise.
func NewObjectStore(cfg *config.Config) (storage.ObjectStore, error) {
	if cfg.S3Enabled() {
		store, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
			Endpoint:        cfg.S3EndpointURL,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating s3 object store: %w", err)
		}
		return store, nil
	}

	store, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "objects"))
	if err != nil {
		return nil, fmt.Errorf("error creating local object store: %w", err)
	}
	return store, nil
}

func NewResolver(cfg *config.Config, store storage.ObjectStore) *hub.Resolver {
	return hub.NewResolver(hub.ResolverOptions{
		CacheDir: cfg.CacheDir,
		Endpoint: cfg.HubEndpoint,
		Token:    cfg.HubToken,
		Timeout:  hubTimeout,
		Store:    store,
	})
}

func LoadTokenizer(dir string) (core.Tokenizer, error) {
	return tokenizer.Load(dir)
}

// NewTrainer picks the out of process trainer when a plugin executable is
// configured.
func NewTrainer(cfg *config.Config, showProgress bool) core.Trainer {
	if cfg.TrainerPlugin != "" {
		slog.Info("using trainer plugin", "executable", cfg.TrainerPlugin)
		return trainer.NewPluginTrainer(cfg.TrainerPlugin, filepath.Join(cfg.Root, "staging"))
	}
	return trainer.NewContrastive(trainer.Options{ShowProgress: showProgress})
}

func NewRunner(cfg *config.Config, store storage.ObjectStore, showProgress bool) *core.Runner {
	resolver := NewResolver(cfg, store)
	source := hub.NewModelSource(resolver, hub.NewModelLoaders(), LoadTokenizer)
	return core.NewRunner(source, hub.NewDatasetLoader(resolver), NewTrainer(cfg, showProgress))
}

// CreateQueue returns an in memory queue seeded with every run that was
// queued before the process last stopped.
func CreateQueue(ctx context.Context, db *gorm.DB) (*messaging.InMemoryQueue, error) {
	queue := messaging.NewInMemoryQueue()

	runs, err := database.ListRuns(ctx, db, database.ListRunsQuery{Status: database.JobQueued})
	if err != nil {
		return nil, fmt.Errorf("error listing queued runs: %w", err)
	}

	// ListRuns returns newest first; requeue oldest first.
	for i := len(runs) - 1; i >= 0; i-- {
		run := runs[i]
		var runCfg config.RunConfig
		if err := json.Unmarshal(run.Config, &runCfg); err != nil {
			slog.Error("skipping queued run with unreadable config", "run_id", run.Id, "error", err)
			database.SaveRunError(ctx, db, run.Id, core.ErrorKind(core.ErrConfiguration), err.Error())
			if err := database.UpdateRunStatus(ctx, db, run.Id, database.JobFailed); err != nil {
				slog.Error("error marking run failed", "run_id", run.Id, "error", err)
			}
			continue
		}
		if err := queue.PublishRunTask(ctx, messaging.RunTaskPayload{RunId: run.Id, Config: runCfg}); err != nil {
			return nil, fmt.Errorf("error requeueing run %s: %w", run.Id, err)
		}
		slog.Info("requeued run", "run_id", run.Id)
	}

	return queue, nil
}
