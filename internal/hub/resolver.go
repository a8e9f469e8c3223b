package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"simcse-runner/internal/core/utils"
	"simcse-runner/internal/storage"

	"github.com/go-resty/resty/v2"
)

var ErrNotFound = errors.New("model not found")

const (
	completeMarker  = ".complete"
	defaultRevision = "main"
	maxCachedLocks  = 64
)

// RequiredFiles must be present for a checkpoint to be usable.
var RequiredFiles = []string{"config.json", "model.safetensors", "tokenizer.json"}

var optionalFiles = []string{
	"tokenizer_config.json",
	"special_tokens_map.json",
	"vocab.json",
	"vocab.txt",
	"merges.txt",
	"sentencepiece.bpe.model",
}

// Resolver maps identifiers to local directories. An identifier is a local
// directory, an s3://bucket/prefix location, or a hub repository id such as
// "org/name" optionally pinned with "@revision".
type Resolver struct {
	cacheDir string
	client   *resty.Client
	store    storage.ObjectStore
	locks    *utils.MutexMap
}

type ResolverOptions struct {
	CacheDir string
	Endpoint string
	Token    string
	Timeout  time.Duration
	// Store serves s3:// identifiers; nil disables them.
	Store storage.ObjectStore
}

func NewResolver(opts ResolverOptions) *Resolver {
	client := resty.New().SetBaseURL(strings.TrimSuffix(opts.Endpoint, "/"))
	if opts.Token != "" {
		client.SetAuthToken(opts.Token)
	}
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}

	return &Resolver{
		cacheDir: opts.CacheDir,
		client:   client,
		store:    opts.Store,
		locks:    utils.NewMutexMap(maxCachedLocks),
	}
}

func (r *Resolver) Resolve(ctx context.Context, identifier string) (string, error) {
	if identifier == "" {
		return "", fmt.Errorf("%w: empty identifier", ErrNotFound)
	}

	if stat, err := os.Stat(identifier); err == nil && stat.IsDir() {
		return identifier, nil
	}

	if err := r.locks.Lock(ctx, identifier); err != nil {
		return "", fmt.Errorf("unable to lock %s: %w", identifier, err)
	}
	defer r.locks.Unlock(identifier) //nolint:errcheck

	if storage.IsURI(identifier) {
		return r.resolveObjectStore(ctx, identifier)
	}
	return r.resolveHub(ctx, identifier)
}

func cacheName(identifier string) string {
	replacer := strings.NewReplacer("s3://", "s3--", "/", "--", "@", "--", ":", "-")
	return replacer.Replace(identifier)
}

func isComplete(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, completeMarker))
	return err == nil
}

func markComplete(dir string) error {
	return os.WriteFile(filepath.Join(dir, completeMarker), []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
}

func (r *Resolver) resolveObjectStore(ctx context.Context, identifier string) (string, error) {
	if r.store == nil {
		return "", fmt.Errorf("cannot resolve %s: no object store is configured", identifier)
	}
	uri, err := storage.ParseURI(identifier)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(r.cacheDir, cacheName(identifier))
	if isComplete(dest) {
		slog.Info("using cached snapshot", "identifier", identifier, "dir", dest)
		return dest, nil
	}

	if err := r.store.DownloadDir(ctx, uri.Bucket, uri.Prefix, dest, true); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrNotFound, identifier, err)
	}
	if err := markComplete(dest); err != nil {
		return "", fmt.Errorf("error marking snapshot complete: %w", err)
	}

	slog.Info("downloaded snapshot", "identifier", identifier, "dir", dest)
	return dest, nil
}

func (r *Resolver) resolveHub(ctx context.Context, identifier string) (string, error) {
	repo, revision, found := strings.Cut(identifier, "@")
	if !found || revision == "" {
		revision = defaultRevision
	}

	dest := filepath.Join(r.cacheDir, "models--"+cacheName(repo), revision)
	if isComplete(dest) {
		slog.Info("using cached model", "model", identifier, "dir", dest)
		return dest, nil
	}

	if err := os.MkdirAll(dest, os.ModePerm); err != nil {
		return "", fmt.Errorf("error creating cache dir: %w", err)
	}

	for _, file := range RequiredFiles {
		if err := r.download(ctx, repo, revision, file, dest); err != nil {
			return "", err
		}
	}
	for _, file := range optionalFiles {
		if err := r.download(ctx, repo, revision, file, dest); err != nil && !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}

	if err := markComplete(dest); err != nil {
		return "", fmt.Errorf("error marking download complete: %w", err)
	}

	slog.Info("downloaded model", "model", identifier, "dir", dest)
	return dest, nil
}

func (r *Resolver) download(ctx context.Context, repo, revision, file, dest string) error {
	endpoint := fmt.Sprintf("/%s/resolve/%s/%s", repo, revision, file)

	res, err := r.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(endpoint)
	if err != nil {
		return fmt.Errorf("error fetching %s from %s: %w", file, repo, err)
	}
	body := res.RawBody()
	defer body.Close()

	if res.StatusCode() == http.StatusNotFound || res.StatusCode() == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s/%s (status %d)", ErrNotFound, repo, file, res.StatusCode())
	}
	if !res.IsSuccess() {
		return fmt.Errorf("hub returned status %d for %s/%s", res.StatusCode(), repo, file)
	}

	tmp := filepath.Join(dest, file+".incomplete")
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("error downloading %s from %s: %w", file, repo, err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, filepath.Join(dest, file))
}
