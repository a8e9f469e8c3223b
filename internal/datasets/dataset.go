package datasets

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrNotFound  = errors.New("dataset not found")
	ErrMalformed = errors.New("dataset malformed")
)

const (
	InfoFile       = "dataset_info.json"
	shardPattern   = "data-*.jsonl"
	defaultShardSz = 10000
)

// Example is one training or evaluation row. Each of InputIDs,
// AttentionMask and TokenTypeIDs holds one entry per sentence of the row.
type Example struct {
	InputIDs      [][]int32 `json:"input_ids"`
	AttentionMask [][]int32 `json:"attention_mask,omitempty"`
	TokenTypeIDs  [][]int32 `json:"token_type_ids,omitempty"`
	Labels        float64   `json:"labels"`
}

func (e Example) NumSentences() int {
	return len(e.InputIDs)
}

type Info struct {
	NumRows      int      `json:"num_rows"`
	NumSentences int      `json:"num_sentences"`
	Features     []string `json:"features"`
	Shards       []string `json:"shards"`
}

// Dataset is an ordered, read-only collection of examples.
type Dataset struct {
	examples []Example
	sources  []string
}

func New(examples []Example, source string) *Dataset {
	ds := &Dataset{examples: examples}
	if source != "" {
		ds.sources = []string{source}
	}
	return ds
}

func (d *Dataset) Len() int {
	return len(d.examples)
}

func (d *Dataset) At(i int) Example {
	return d.examples[i]
}

// Sources lists the locations the dataset was built from, in order.
func (d *Dataset) Sources() []string {
	return append([]string(nil), d.sources...)
}

// Concatenate joins datasets, keeping the rows of the first listed dataset first.
func Concatenate(parts ...*Dataset) *Dataset {
	total := 0
	for _, p := range parts {
		total += p.Len()
	}

	out := &Dataset{examples: make([]Example, 0, total)}
	for _, p := range parts {
		out.examples = append(out.examples, p.examples...)
		out.sources = append(out.sources, p.sources...)
	}
	return out
}

// LoadFromDisk reads a dataset directory written by Save.
func LoadFromDisk(dir string) (*Dataset, error) {
	stat, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return nil, fmt.Errorf("failed to stat dataset %s: %w", dir, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrMalformed, dir)
	}

	info, err := readInfo(dir)
	if err != nil {
		return nil, err
	}

	shards := info.Shards
	if len(shards) == 0 {
		matches, err := filepath.Glob(filepath.Join(dir, shardPattern))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			shards = append(shards, filepath.Base(m))
		}
	}

	examples := make([]Example, 0, info.NumRows)
	for _, shard := range shards {
		rows, err := readShard(filepath.Join(dir, shard))
		if err != nil {
			return nil, err
		}
		examples = append(examples, rows...)
	}

	if len(examples) != info.NumRows {
		return nil, fmt.Errorf("%w: %s declares %d rows but contains %d", ErrMalformed, dir, info.NumRows, len(examples))
	}

	slog.Info("loaded dataset", "dir", dir, "rows", len(examples), "shards", len(shards))

	return New(examples, dir), nil
}

func readInfo(dir string) (Info, error) {
	var info Info
	data, err := os.ReadFile(filepath.Join(dir, InfoFile))
	if err != nil {
		if os.IsNotExist(err) {
			return info, fmt.Errorf("%w: %s has no %s", ErrMalformed, dir, InfoFile)
		}
		return info, fmt.Errorf("failed to read %s: %w", InfoFile, err)
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("%w: invalid %s in %s: %v", ErrMalformed, InfoFile, dir, err)
	}
	return info, nil
}

type rawExample struct {
	InputIDs      [][]int32 `json:"input_ids"`
	AttentionMask [][]int32 `json:"attention_mask"`
	TokenTypeIDs  [][]int32 `json:"token_type_ids"`
	Labels        *float64  `json:"labels"`
}

func readShard(path string) ([]Example, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: missing shard %s", ErrMalformed, path)
		}
		return nil, fmt.Errorf("failed to open shard %s: %w", path, err)
	}
	defer file.Close()

	var rows []Example
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var raw rawExample
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			return nil, fmt.Errorf("%w: %s:%d: %v", ErrMalformed, path, line, err)
		}
		if raw.Labels == nil {
			return nil, fmt.Errorf("%w: %s:%d: missing labels field", ErrMalformed, path, line)
		}
		if len(raw.InputIDs) == 0 {
			return nil, fmt.Errorf("%w: %s:%d: missing input_ids field", ErrMalformed, path, line)
		}
		if raw.AttentionMask != nil && len(raw.AttentionMask) != len(raw.InputIDs) {
			return nil, fmt.Errorf("%w: %s:%d: attention_mask has %d sentences, input_ids has %d", ErrMalformed, path, line, len(raw.AttentionMask), len(raw.InputIDs))
		}

		rows = append(rows, Example{
			InputIDs:      raw.InputIDs,
			AttentionMask: raw.AttentionMask,
			TokenTypeIDs:  raw.TokenTypeIDs,
			Labels:        *raw.Labels,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrMalformed, path, err)
	}

	return rows, nil
}

// Save writes the dataset as jsonl shards plus an info file.
func (d *Dataset) Save(dir string) error {
	return d.SaveWithShardSize(dir, defaultShardSz)
}

func (d *Dataset) SaveWithShardSize(dir string, shardSize int) error {
	if shardSize <= 0 {
		shardSize = defaultShardSz
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create dataset dir %s: %w", dir, err)
	}

	numShards := max(1, (d.Len()+shardSize-1)/shardSize)
	info := Info{NumRows: d.Len(), Features: d.features()}
	if d.Len() > 0 {
		info.NumSentences = d.examples[0].NumSentences()
	}

	for s := 0; s < numShards; s++ {
		name := fmt.Sprintf("data-%05d-of-%05d.jsonl", s, numShards)
		start, end := s*shardSize, min(d.Len(), (s+1)*shardSize)
		if err := writeShard(filepath.Join(dir, name), d.examples[start:end]); err != nil {
			return err
		}
		info.Shards = append(info.Shards, name)
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode dataset info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, InfoFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write dataset info: %w", err)
	}
	return nil
}

func writeShard(path string, rows []Example) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create shard %s: %w", path, err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	if err := encodeRows(w, rows); err != nil {
		return fmt.Errorf("failed to write shard %s: %w", path, err)
	}
	return w.Flush()
}

func encodeRows(w io.Writer, rows []Example) error {
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dataset) features() []string {
	features := []string{"input_ids"}
	if d.Len() == 0 {
		return append(features, "labels")
	}
	first := d.examples[0]
	if first.AttentionMask != nil {
		features = append(features, "attention_mask")
	}
	if first.TokenTypeIDs != nil {
		features = append(features, "token_type_ids")
	}
	return append(features, "labels")
}

// Shape describes the first example the way the training scripts print it:
// one entry per field and sentence with the sequence length.
func (d *Dataset) Shape() map[string]int {
	shape := make(map[string]int)
	if d.Len() == 0 {
		return shape
	}
	first := d.examples[0]
	for i, ids := range first.InputIDs {
		shape[fmt.Sprintf("input_ids[%d]", i)] = len(ids)
	}
	for i, mask := range first.AttentionMask {
		shape[fmt.Sprintf("attention_mask[%d]", i)] = len(mask)
	}
	for i, types := range first.TokenTypeIDs {
		shape[fmt.Sprintf("token_type_ids[%d]", i)] = len(types)
	}
	return shape
}
