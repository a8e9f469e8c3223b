package integrationtests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"simcse-runner/internal/core"
	"simcse-runner/internal/core/checkpoint"
	"simcse-runner/internal/database"
	"simcse-runner/internal/datasets"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"
)

const (
	vocabSize  = 24
	hiddenSize = 8
)

// stubTokenizer stands in for the HF tokenizer so the tests do not need the
// native tokenizers library.
type stubTokenizer struct{}

func (stubTokenizer) VocabSize() int             { return vocabSize }
func (stubTokenizer) Encode(text string) []int32 { return []int32{0, 5, 2} }
func (stubTokenizer) PadTokenID() int32          { return 1 }
func (stubTokenizer) MaskTokenID() int32         { return 3 }
func (stubTokenizer) IsSpecial(id int32) bool    { return id < 4 }
func (stubTokenizer) Release()                   {}

func (stubTokenizer) Save(dir string) error {
	return os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(`{"added_tokens": []}`), 0o644)
}

func loadStubTokenizer(string) (core.Tokenizer, error) {
	return stubTokenizer{}, nil
}

func writeCheckpoint(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, os.ModePerm))

	rng := rand.New(rand.NewPCG(3, 4))
	values := make([]float64, vocabSize*hiddenSize)
	for i := range values {
		values[i] = rng.NormFloat64() * 0.5
	}
	table, err := checkpoint.EncodeFloat64s(checkpoint.DTypeF32, []int{vocabSize, hiddenSize}, values)
	require.NoError(t, err)
	require.NoError(t, checkpoint.WriteSafetensors(filepath.Join(dir, checkpoint.WeightsFile), map[string]checkpoint.Tensor{
		"roberta.embeddings.word_embeddings.weight": table,
	}, nil))

	cfg, err := json.Marshal(map[string]any{"model_type": "roberta", "vocab_size": vocabSize, "hidden_size": hiddenSize})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, checkpoint.ConfigFile), cfg, 0o644))
	require.NoError(t, stubTokenizer{}.Save(dir))
}

// writePairs saves n scored sentence pairs as an on-disk dataset.
func writePairs(t *testing.T, dir string, n int) {
	t.Helper()
	rows := make([]datasets.Example, n)
	for i := range rows {
		topic := int32(4 + i%10)
		rows[i] = datasets.Example{
			InputIDs:      [][]int32{{0, topic, topic + 1, 2}, {0, topic, int32(14 + i%10), 2}},
			AttentionMask: [][]int32{{1, 1, 1, 1}, {1, 1, 1, 1}},
			Labels:        float64(i % 5),
		}
	}
	require.NoError(t, datasets.New(rows, "pairs").Save(dir))
}

const (
	minioUsername = "admin"
	minioPassword = "password"
)

func setupMinioContainer(t *testing.T, ctx context.Context) string {
	minioContainer, err := minio.Run(
		ctx,
		"minio/minio:RELEASE.2024-01-16T16-07-38Z",
		minio.WithUsername(minioUsername),
		minio.WithPassword(minioPassword),
	)
	require.NoError(t, err, "Failed to start MinIO container")

	t.Cleanup(func() {
		err := minioContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate MinIO container")
	})

	connStr, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get MinIO connection string")

	return "http://" + connStr
}

func setupPostgresContainer(t *testing.T, ctx context.Context) string {
	dbName, dbUser, dbPassword := "test_db", "test_user", "test_password"

	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	t.Cleanup(func() {
		err := postgresContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate PostgreSQL container")
	})

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get PostgreSQL connection string")

	return connStr
}

func setupRabbitMQContainer(t *testing.T, ctx context.Context) string {
	rabbitmqContainer, err := rabbitmq.Run(ctx, "rabbitmq:3.11-management")
	require.NoError(t, err, "Failed to start RabbitMQ container")

	t.Cleanup(func() {
		err := rabbitmqContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate RabbitMQ container")
	})

	connStr, err := rabbitmqContainer.AmqpURL(ctx)
	require.NoError(t, err, "Failed to get RabbitMQ AMQP URL")

	return connStr
}

func createDB(t *testing.T) *gorm.DB {
	uri := setupPostgresContainer(t, context.Background())
	db, err := database.NewDatabase(uri, "")
	require.NoError(t, err)

	return db
}

func httpRequest(api http.Handler, method, endpoint string, payload any, dest any) error {
	var body io.Reader
	if payload != nil {
		requestBody, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(requestBody)
	}

	req := httptest.NewRequest(method, endpoint, body)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		return fmt.Errorf("expected status code 200, got %d: %v", rr.Code, rr.Body.String())
	}

	if dest != nil {
		if err := json.Unmarshal(rr.Body.Bytes(), dest); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}
