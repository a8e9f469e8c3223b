package integrationtests

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"simcse-runner/internal/datasets"
	"simcse-runner/internal/hub"
	"simcse-runner/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bucketName = "test-bucket"

func setupTestObjectStore(t *testing.T, ctx context.Context) *storage.S3ObjectStore {
	t.Helper()

	endpoint := setupMinioContainer(t, ctx)

	objectStore, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
		Endpoint:        endpoint,
		Region:          "us-east-1",
		AccessKeyID:     minioUsername,
		SecretAccessKey: minioPassword,
	})
	require.NoError(t, err)
	require.NoError(t, objectStore.CreateBucket(ctx, bucketName))
	return objectStore
}

func TestS3ObjectStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	store := setupTestObjectStore(t, ctx)

	t.Run("PutGetObject", func(t *testing.T) {
		require.NoError(t, store.PutObject(ctx, bucketName, "notes/a.txt", strings.NewReader("hello")))

		data, err := store.GetObject(ctx, bucketName, "notes/a.txt")
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))

		_, err = store.GetObject(ctx, bucketName, "notes/missing.txt")
		assert.Error(t, err)
	})

	t.Run("UploadDownloadDir", func(t *testing.T) {
		src := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), os.ModePerm))
		require.NoError(t, os.WriteFile(filepath.Join(src, "top.txt"), []byte("top"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "inner.txt"), []byte("inner"), 0o644))

		require.NoError(t, store.UploadDir(ctx, bucketName, "runs/one", src))

		objs, err := store.ListObjects(ctx, bucketName, "runs/one/")
		require.NoError(t, err)
		names := make([]string, 0, len(objs))
		for _, obj := range objs {
			names = append(names, obj.Name)
		}
		assert.ElementsMatch(t, []string{"runs/one/top.txt", "runs/one/nested/inner.txt"}, names)

		dest := filepath.Join(t.TempDir(), "copy")
		require.NoError(t, store.DownloadDir(ctx, bucketName, "runs/one", dest, false))

		inner, err := os.ReadFile(filepath.Join(dest, "nested", "inner.txt"))
		require.NoError(t, err)
		assert.Equal(t, "inner", string(inner))

		assert.Error(t, store.DownloadDir(ctx, bucketName, "runs/one", dest, false))
		assert.NoError(t, store.DownloadDir(ctx, bucketName, "runs/one", dest, true))
		assert.Error(t, store.DownloadDir(ctx, bucketName, "runs/missing", filepath.Join(t.TempDir(), "x"), true))
	})

	t.Run("DeleteObjects", func(t *testing.T) {
		require.NoError(t, store.PutObject(ctx, bucketName, "tmp/1", strings.NewReader("1")))
		require.NoError(t, store.PutObject(ctx, bucketName, "tmp/2", strings.NewReader("2")))

		require.NoError(t, store.DeleteObjects(ctx, bucketName, "tmp/"))

		objs, err := store.ListObjects(ctx, bucketName, "tmp/")
		require.NoError(t, err)
		assert.Empty(t, objs)
	})

	t.Run("ResolveDatasetFromBucket", func(t *testing.T) {
		src := t.TempDir()
		writePairs(t, src, 5)
		require.NoError(t, store.UploadDir(ctx, bucketName, "datasets/pairs", src))

		resolver := hub.NewResolver(hub.ResolverOptions{CacheDir: t.TempDir(), Store: store})
		ds, err := hub.NewDatasetLoader(resolver).Load(ctx, "s3://"+bucketName+"/datasets/pairs")
		require.NoError(t, err)
		assert.Equal(t, 5, ds.Len())

		_, err = hub.NewDatasetLoader(resolver).Load(ctx, "s3://"+bucketName+"/datasets/missing")
		assert.ErrorIs(t, err, datasets.ErrNotFound)
	})
}
