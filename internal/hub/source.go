package hub

import (
	"context"
	"fmt"
	"log/slog"

	"simcse-runner/internal/core"
	"simcse-runner/internal/core/checkpoint"
	"simcse-runner/internal/datasets"
	"simcse-runner/internal/storage"
)

// Encoder architectures whose word embeddings live under
// "*.embeddings.word_embeddings.weight".
var encoderTypes = []string{"bert", "roberta", "xlm-roberta", "electra", "distilbert", "camembert", "deberta", "deberta-v2"}

func NewModelLoaders() map[string]core.ModelLoader {
	loaders := make(map[string]core.ModelLoader, len(encoderTypes))
	for _, modelType := range encoderTypes {
		loaders[modelType] = func(modelDir string) (core.Model, error) {
			return checkpoint.LoadEncoder(modelDir)
		}
	}
	return loaders
}

// ModelSource resolves identifiers and loads the model and tokenizer found there.
type ModelSource struct {
	resolver        *Resolver
	modelLoaders    map[string]core.ModelLoader
	tokenizerLoader core.TokenizerLoader
}

var _ core.ModelSource = (*ModelSource)(nil)

func NewModelSource(resolver *Resolver, modelLoaders map[string]core.ModelLoader, tokenizerLoader core.TokenizerLoader) *ModelSource {
	return &ModelSource{resolver: resolver, modelLoaders: modelLoaders, tokenizerLoader: tokenizerLoader}
}

func (s *ModelSource) Acquire(ctx context.Context, identifier string) (core.Model, core.Tokenizer, error) {
	dir, err := s.resolver.Resolve(ctx, identifier)
	if err != nil {
		return nil, nil, err
	}

	modelType, err := checkpoint.ReadModelType(dir)
	if err != nil {
		return nil, nil, err
	}
	loader, ok := s.modelLoaders[modelType]
	if !ok {
		return nil, nil, fmt.Errorf("unsupported model type %q for %s", modelType, identifier)
	}

	model, err := loader(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading model %s: %w", identifier, err)
	}

	tokenizer, err := s.tokenizerLoader(dir)
	if err != nil {
		model.Release()
		return nil, nil, fmt.Errorf("error loading tokenizer %s: %w", identifier, err)
	}

	slog.Info("loaded model and tokenizer", "model", identifier, "model_type", modelType, "dir", dir)
	return model, tokenizer, nil
}

// DatasetLoader reads dataset directories, fetching s3:// locations into the cache first.
type DatasetLoader struct {
	resolver *Resolver
}

var _ core.DatasetLoader = (*DatasetLoader)(nil)

func NewDatasetLoader(resolver *Resolver) *DatasetLoader {
	return &DatasetLoader{resolver: resolver}
}

func (l *DatasetLoader) Load(ctx context.Context, location string) (*datasets.Dataset, error) {
	if !storage.IsURI(location) {
		return datasets.LoadFromDisk(location)
	}

	dir, err := l.resolver.Resolve(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", datasets.ErrNotFound, err)
	}
	return datasets.LoadFromDisk(dir)
}
