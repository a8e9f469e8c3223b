package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gonum.org/v1/gonum/mat"
)

const (
	ConfigFile  = "config.json"
	WeightsFile = "model.safetensors"

	wordEmbeddingsSuffix = "embeddings.word_embeddings.weight"
	defaultInitRange     = 0.02
)

var ErrNoEmbeddings = errors.New("checkpoint has no word embedding table")

// Encoder is a transformer checkpoint held in memory. The word embedding
// table is decoded into a dense matrix so it can be resized and trained;
// every other tensor is carried through unchanged.
type Encoder struct {
	mu sync.RWMutex

	config   map[string]any
	tensors  map[string]Tensor
	metadata map[string]string

	embeddingKey   string
	embeddingDType string
	embeddings     *mat.Dense

	rng *rand.Rand
}

// LoadEncoder reads config.json and model.safetensors from dir.
func LoadEncoder(dir string) (*Encoder, error) {
	e := &Encoder{rng: rand.New(rand.NewPCG(42, 1337))}
	if err := e.load(dir); err != nil {
		return nil, err
	}
	slog.Info("loaded encoder checkpoint", "dir", dir, "model_type", e.ModelType(), "vocab_size", e.NumEmbeddings(), "hidden_size", e.HiddenSize())
	return e, nil
}

// ReadModelType returns the model_type field of dir/config.json.
func ReadModelType(dir string) (string, error) {
	cfg, err := readConfig(dir)
	if err != nil {
		return "", err
	}
	modelType, _ := cfg["model_type"].(string)
	return modelType, nil
}

func readConfig(dir string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("error reading model config: %w", err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing model config: %w", err)
	}
	return cfg, nil
}

func (e *Encoder) load(dir string) error {
	cfg, err := readConfig(dir)
	if err != nil {
		return err
	}
	if len(cfg) == 0 {
		return fmt.Errorf("model config in %s is empty", dir)
	}

	tensors, metadata, err := ReadSafetensors(filepath.Join(dir, WeightsFile))
	if err != nil {
		return fmt.Errorf("error reading model weights: %w", err)
	}

	key := ""
	for name := range tensors {
		if strings.HasSuffix(name, wordEmbeddingsSuffix) && (key == "" || len(name) < len(key)) {
			key = name
		}
	}
	if key == "" {
		return fmt.Errorf("%w: no tensor ending in %q in %s", ErrNoEmbeddings, wordEmbeddingsSuffix, dir)
	}

	table := tensors[key]
	if len(table.Shape) != 2 || table.Shape[0] == 0 || table.Shape[1] == 0 {
		return fmt.Errorf("%w: %s has shape %v", ErrNoEmbeddings, key, table.Shape)
	}
	values, err := table.Float64s()
	if err != nil {
		return fmt.Errorf("error decoding %s: %w", key, err)
	}
	delete(tensors, key)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.config = cfg
	e.tensors = tensors
	e.metadata = metadata
	e.embeddingKey = key
	e.embeddingDType = table.DType
	e.embeddings = mat.NewDense(table.Shape[0], table.Shape[1], values)

	return nil
}

func (e *Encoder) ModelType() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	modelType, _ := e.config["model_type"].(string)
	return modelType
}

func (e *Encoder) NumEmbeddings() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rows, _ := e.embeddings.Dims()
	return rows
}

func (e *Encoder) HiddenSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, cols := e.embeddings.Dims()
	return cols
}

// WordEmbeddings exposes the trainable embedding table. Callers must not
// keep it across ResizeTokenEmbeddings or Reload.
func (e *Encoder) WordEmbeddings() *mat.Dense {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.embeddings
}

func (e *Encoder) initRange() float64 {
	if v, ok := e.config["initializer_range"].(float64); ok && v > 0 {
		return v
	}
	return defaultInitRange
}

// ResizeTokenEmbeddings grows or shrinks the embedding table to n rows. New
// rows are drawn from N(0, initializer_range). Vocabulary sized output
// tensors (tied lm head weights and biases) follow the table.
func (e *Encoder) ResizeTokenEmbeddings(n int) error {
	if n <= 0 {
		return fmt.Errorf("invalid embedding size %d", n)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	oldRows, cols := e.embeddings.Dims()
	if n == oldRows {
		return nil
	}

	resized := mat.NewDense(n, cols, nil)
	std := e.initRange()
	for i := 0; i < n; i++ {
		if i < oldRows {
			resized.SetRow(i, e.embeddings.RawRowView(i))
			continue
		}
		row := resized.RawRowView(i)
		for j := range row {
			row[j] = e.rng.NormFloat64() * std
		}
	}
	e.embeddings = resized

	for name, t := range e.tensors {
		if !strings.Contains(name, "lm_head") || len(t.Shape) == 0 || t.Shape[0] != oldRows {
			continue
		}
		values, err := t.Float64s()
		if err != nil {
			continue
		}
		rowSize := len(values) / oldRows
		grown := make([]float64, n*rowSize)
		copy(grown, values[:min(len(values), n*rowSize)])
		shape := append([]int{n}, t.Shape[1:]...)
		if e.tensors[name], err = EncodeFloat64s(t.DType, shape, grown); err != nil {
			return fmt.Errorf("error resizing %s: %w", name, err)
		}
	}

	e.config["vocab_size"] = n

	slog.Info("resized token embeddings", "from", oldRows, "to", n)
	return nil
}

// Save writes config.json and model.safetensors into dir.
func (e *Encoder) Save(dir string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return fmt.Errorf("error creating model dir: %w", err)
	}

	rows, cols := e.embeddings.Dims()
	table, err := EncodeFloat64s(e.embeddingDType, []int{rows, cols}, e.embeddings.RawMatrix().Data)
	if err != nil {
		return fmt.Errorf("error encoding embeddings: %w", err)
	}

	tensors := make(map[string]Tensor, len(e.tensors)+1)
	for name, t := range e.tensors {
		tensors[name] = t
	}
	tensors[e.embeddingKey] = table

	metadata := map[string]string{"format": "pt"}
	for k, v := range e.metadata {
		metadata[k] = v
	}

	if err := WriteSafetensors(filepath.Join(dir, WeightsFile), tensors, metadata); err != nil {
		return fmt.Errorf("error writing model weights: %w", err)
	}

	cfg, err := json.MarshalIndent(e.config, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding model config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), cfg, 0o644); err != nil {
		return fmt.Errorf("error writing model config: %w", err)
	}

	return nil
}

// Reload replaces the parameters with the checkpoint stored in dir.
func (e *Encoder) Reload(dir string) error {
	return e.load(dir)
}

func (e *Encoder) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tensors = nil
	e.embeddings = &mat.Dense{}
}
