package datasets

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Encoder turns text into token ids, including any special tokens.
type Encoder interface {
	Encode(text string) []int32
}

type Format string

const (
	// FormatLines reads one sentence per line. Each sentence is paired with
	// itself so dropout produces the positive view.
	FormatLines Format = "lines"
	// FormatCSV reads a header row naming sent0, sent1 and optionally
	// hard_neg and a score/label column.
	FormatCSV Format = "csv"
)

type PrepareOptions struct {
	Format       Format
	MaxSeqLength int
}

var sentenceColumns = []string{"sent0", "sent1", "hard_neg"}

// Prepare tokenizes raw text into a dataset.
func Prepare(r io.Reader, enc Encoder, opts PrepareOptions) (*Dataset, error) {
	switch opts.Format {
	case FormatLines, "":
		return prepareLines(r, enc, opts)
	case FormatCSV:
		return prepareCSV(r, enc, opts)
	default:
		return nil, fmt.Errorf("unknown input format %q", opts.Format)
	}
}

func prepareLines(r io.Reader, enc Encoder, opts PrepareOptions) (*Dataset, error) {
	var rows []Example
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		rows = append(rows, buildExample([]string{text, text}, 0, enc, opts.MaxSeqLength))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading input: %w", err)
	}
	return New(rows, ""), nil
}

func prepareCSV(r io.Reader, enc Encoder, opts PrepareOptions) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("error reading csv header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}

	var sentIdx []int
	for _, name := range sentenceColumns {
		if idx, ok := columns[name]; ok {
			sentIdx = append(sentIdx, idx)
		}
	}
	if len(sentIdx) == 0 {
		return nil, fmt.Errorf("csv header must contain at least a sent0 column, got %v", header)
	}

	labelIdx := -1
	for _, name := range []string{"score", "label", "labels"} {
		if idx, ok := columns[name]; ok {
			labelIdx = idx
			break
		}
	}

	var rows []Example
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("error reading csv line %d: %w", line, err)
		}

		sentences := make([]string, 0, len(sentIdx))
		for _, idx := range sentIdx {
			if idx >= len(record) {
				return nil, fmt.Errorf("csv line %d has %d fields, expected at least %d", line, len(record), idx+1)
			}
			sentences = append(sentences, record[idx])
		}
		if len(sentences) == 1 {
			sentences = append(sentences, sentences[0])
		}

		label := 0.0
		if labelIdx >= 0 && labelIdx < len(record) {
			label, err = strconv.ParseFloat(strings.TrimSpace(record[labelIdx]), 64)
			if err != nil {
				return nil, fmt.Errorf("csv line %d: invalid label %q: %w", line, record[labelIdx], err)
			}
		}

		rows = append(rows, buildExample(sentences, label, enc, opts.MaxSeqLength))
	}

	return New(rows, ""), nil
}

func buildExample(sentences []string, label float64, enc Encoder, maxLen int) Example {
	ex := Example{
		InputIDs:      make([][]int32, len(sentences)),
		AttentionMask: make([][]int32, len(sentences)),
		Labels:        label,
	}
	for i, s := range sentences {
		ids := enc.Encode(s)
		if maxLen > 0 && len(ids) > maxLen {
			ids = ids[:maxLen]
		}
		mask := make([]int32, len(ids))
		for j := range mask {
			mask[j] = 1
		}
		ex.InputIDs[i] = ids
		ex.AttentionMask[i] = mask
	}
	return ex
}
