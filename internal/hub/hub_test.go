package hub_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"simcse-runner/internal/core"
	"simcse-runner/internal/core/checkpoint"
	"simcse-runner/internal/datasets"
	"simcse-runner/internal/hub"
	"simcse-runner/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCheckpoint(t *testing.T, dir, modelType string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, os.ModePerm))

	table, err := checkpoint.EncodeFloat64s(checkpoint.DTypeF32, []int{4, 2}, []float64{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, err)
	require.NoError(t, checkpoint.WriteSafetensors(filepath.Join(dir, checkpoint.WeightsFile), map[string]checkpoint.Tensor{
		"embeddings.word_embeddings.weight": table,
	}, nil))

	cfg, err := json.Marshal(map[string]any{"model_type": modelType, "vocab_size": 4})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, checkpoint.ConfigFile), cfg, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(`{"added_tokens": []}`), 0o644))
}

type hubServer struct {
	*httptest.Server
	requests atomic.Int32
	auth     atomic.Value
}

// newHubServer serves files of dir at /<repo>/resolve/<revision>/<file> for
// the single repository "org/tiny".
func newHubServer(t *testing.T, dir string) *hubServer {
	s := &hubServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		s.auth.Store(r.Header.Get("Authorization"))

		const prefix = "/org/tiny/resolve/main/"
		if !strings.HasPrefix(r.URL.Path, prefix) {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(dir, strings.TrimPrefix(r.URL.Path, prefix)))
	}))
	t.Cleanup(s.Close)
	return s
}

type fakeTokenizer struct {
	vocab int
}

func (t *fakeTokenizer) VocabSize() int             { return t.vocab }
func (t *fakeTokenizer) Encode(text string) []int32 { return nil }
func (t *fakeTokenizer) PadTokenID() int32          { return 1 }
func (t *fakeTokenizer) MaskTokenID() int32         { return 3 }
func (t *fakeTokenizer) IsSpecial(id int32) bool    { return false }
func (t *fakeTokenizer) Save(dir string) error      { return nil }
func (t *fakeTokenizer) Release()                   {}

func fakeTokenizerLoader(string) (core.Tokenizer, error) {
	return &fakeTokenizer{vocab: 6}, nil
}

func TestResolveFromHub(t *testing.T) {
	src := t.TempDir()
	writeCheckpoint(t, src, "roberta")
	server := newHubServer(t, src)

	resolver := hub.NewResolver(hub.ResolverOptions{CacheDir: t.TempDir(), Endpoint: server.URL, Token: "secret"})

	dir, err := resolver.Resolve(context.Background(), "org/tiny")
	require.NoError(t, err)
	for _, file := range hub.RequiredFiles {
		assert.FileExists(t, filepath.Join(dir, file))
	}
	assert.Equal(t, "Bearer secret", server.auth.Load())

	before := server.requests.Load()
	again, err := resolver.Resolve(context.Background(), "org/tiny")
	require.NoError(t, err)
	assert.Equal(t, dir, again)
	assert.Equal(t, before, server.requests.Load(), "second resolve should hit the cache")
}

func TestResolveNotFound(t *testing.T) {
	server := newHubServer(t, t.TempDir())
	resolver := hub.NewResolver(hub.ResolverOptions{CacheDir: t.TempDir(), Endpoint: server.URL})

	_, err := resolver.Resolve(context.Background(), "example/base-model")
	assert.ErrorIs(t, err, hub.ErrNotFound)

	_, err = resolver.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, hub.ErrNotFound)
}

func TestResolveLocalDir(t *testing.T) {
	dir := t.TempDir()
	resolver := hub.NewResolver(hub.ResolverOptions{CacheDir: t.TempDir(), Endpoint: "http://127.0.0.1:0"})

	resolved, err := resolver.Resolve(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, dir, resolved)
}

func TestResolveObjectStore(t *testing.T) {
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	src := t.TempDir()
	writeCheckpoint(t, src, "bert")
	require.NoError(t, store.UploadDir(context.Background(), "models", "org/tiny", src))

	resolver := hub.NewResolver(hub.ResolverOptions{CacheDir: t.TempDir(), Store: store})

	dir, err := resolver.Resolve(context.Background(), "s3://models/org/tiny")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, checkpoint.WeightsFile))

	_, err = resolver.Resolve(context.Background(), "s3://models/missing")
	assert.ErrorIs(t, err, hub.ErrNotFound)

	noStore := hub.NewResolver(hub.ResolverOptions{CacheDir: t.TempDir()})
	_, err = noStore.Resolve(context.Background(), "s3://models/org/tiny")
	assert.Error(t, err)
}

func TestModelSourceAcquire(t *testing.T) {
	src := t.TempDir()
	writeCheckpoint(t, src, "roberta")
	server := newHubServer(t, src)

	resolver := hub.NewResolver(hub.ResolverOptions{CacheDir: t.TempDir(), Endpoint: server.URL})
	source := hub.NewModelSource(resolver, hub.NewModelLoaders(), fakeTokenizerLoader)

	model, tokenizer, err := source.Acquire(context.Background(), "org/tiny")
	require.NoError(t, err)
	defer model.Release()

	assert.Equal(t, 4, model.NumEmbeddings())
	require.NoError(t, model.ResizeTokenEmbeddings(tokenizer.VocabSize()))
	assert.Equal(t, 6, model.NumEmbeddings())
}

func TestModelSourceUnsupportedType(t *testing.T) {
	dir := t.TempDir()
	writeCheckpoint(t, dir, "gpt2")

	resolver := hub.NewResolver(hub.ResolverOptions{CacheDir: t.TempDir()})
	source := hub.NewModelSource(resolver, hub.NewModelLoaders(), fakeTokenizerLoader)

	_, _, err := source.Acquire(context.Background(), dir)
	assert.ErrorContains(t, err, "unsupported model type")
}

func TestDatasetLoader(t *testing.T) {
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	local := filepath.Join(t.TempDir(), "train")
	rows := []datasets.Example{{InputIDs: [][]int32{{0, 1}}, Labels: 1}, {InputIDs: [][]int32{{0, 2}}, Labels: 0}}
	require.NoError(t, datasets.New(rows, "").Save(local))
	require.NoError(t, store.UploadDir(context.Background(), "data", "sts/train", local))

	loader := hub.NewDatasetLoader(hub.NewResolver(hub.ResolverOptions{CacheDir: t.TempDir(), Store: store}))

	ds, err := loader.Load(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())

	ds, err = loader.Load(context.Background(), "s3://data/sts/train")
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())

	_, err = loader.Load(context.Background(), "s3://data/missing")
	assert.ErrorIs(t, err, datasets.ErrNotFound)

	_, err = loader.Load(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, datasets.ErrNotFound)
}
