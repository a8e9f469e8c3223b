package config

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the process level settings. Run parameters live in RunConfig.
type Config struct {
	Root        string `env:"SIMCSE_ROOT" envDefault:"./simcse"`
	CacheDir    string `env:"SIMCSE_CACHE_DIR"`
	DatabaseURL string `env:"DATABASE_URL"`
	RabbitMQURL string `env:"RABBITMQ_URL"`

	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	ArtifactBucket    string `env:"ARTIFACT_BUCKET"`

	HubEndpoint string `env:"HUB_ENDPOINT" envDefault:"https://huggingface.co"`
	HubToken    string `env:"HF_TOKEN"`

	TrainerPlugin string `env:"TRAINER_PLUGIN"`
	NumThreads    int    `env:"OMP_NUM_THREADS" envDefault:"0"`
	APIPort       int    `env:"API_PORT" envDefault:"8001"`
}

// LoadConfig reads the optional env file and then the process environment.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("error loading env file '%s': %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading, continuing with environment variables")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(cfg.Root, "cache")
	}

	if cfg.S3EndpointURL != "" && (cfg.S3AccessKeyID == "" || cfg.S3SecretAccessKey == "") {
		log.Println("Warning: S3_ENDPOINT_URL is set, but AWS_ACCESS_KEY_ID or AWS_SECRET_ACCESS_KEY are missing.")
	}

	return &cfg, nil
}

// SqlitePath is the run registry location used when DATABASE_URL is unset.
func (c *Config) SqlitePath() string {
	return filepath.Join(c.Root, "db", "runs.db")
}

func (c *Config) S3Enabled() bool {
	return c.S3EndpointURL != "" || c.S3AccessKeyID != ""
}
