package core

import (
	"math/rand/v2"

	"simcse-runner/internal/config"
	"simcse-runner/internal/datasets"
)

// IgnoreIndex marks label positions that do not contribute to the MLM loss.
const IgnoreIndex int32 = -100

// Batch is a padded batch. Sequences are laid out example-major: row
// i*NumSent+j holds sentence j of example i.
type Batch struct {
	BatchSize     int
	NumSent       int
	SeqLen        int
	InputIDs      [][]int32
	AttentionMask [][]int32
	Labels        []float64

	// Populated only when masked language modeling is enabled.
	MLMInputIDs [][]int32
	MLMLabels   [][]int32
}

type Collator interface {
	Collate(examples []datasets.Example) Batch
	Name() string
}

type MLMOptions struct {
	Enabled     bool
	Probability float64
	MaskTokenID int32
	VocabSize   int
	IsSpecial   func(int32) bool
	Seed        uint64
}

type padder struct {
	padTokenID int32
	mlm        MLMOptions
	rng        *rand.Rand
}

// PadToMax pads every sequence to MaxSeqLength, truncating longer ones.
type PadToMax struct {
	padder
	MaxSeqLength int
}

// DynamicPad pads each batch to its own longest sequence.
type DynamicPad struct {
	padder
}

func (*PadToMax) Name() string   { return "pad_to_max" }
func (*DynamicPad) Name() string { return "dynamic_pad" }

func newPadder(padTokenID int32, mlm MLMOptions) padder {
	p := padder{padTokenID: padTokenID, mlm: mlm}
	if mlm.Enabled {
		p.rng = rand.New(rand.NewPCG(mlm.Seed, mlm.Seed^0x9e3779b97f4a7c15))
	}
	return p
}

func NewPadToMax(maxSeqLength int, padTokenID int32, mlm MLMOptions) *PadToMax {
	return &PadToMax{padder: newPadder(padTokenID, mlm), MaxSeqLength: maxSeqLength}
}

func NewDynamicPad(padTokenID int32, mlm MLMOptions) *DynamicPad {
	return &DynamicPad{padder: newPadder(padTokenID, mlm)}
}

// NewCollator picks the collator variant from the pad_to_max_length flag.
func NewCollator(data config.DataArgs, tokenizer Tokenizer, mlm MLMOptions) Collator {
	if data.PadToMaxLength {
		return NewPadToMax(data.MaxSeqLength, tokenizer.PadTokenID(), mlm)
	}
	return NewDynamicPad(tokenizer.PadTokenID(), mlm)
}

// MLMOptionsFor derives masking options for a run.
func MLMOptionsFor(cfg config.RunConfig, tokenizer Tokenizer) MLMOptions {
	return MLMOptions{
		Enabled:     cfg.DoMLM,
		Probability: 0.15,
		MaskTokenID: tokenizer.MaskTokenID(),
		VocabSize:   tokenizer.VocabSize(),
		IsSpecial:   tokenizer.IsSpecial,
		Seed:        uint64(cfg.Training.Seed),
	}
}

func (c *PadToMax) Collate(examples []datasets.Example) Batch {
	return c.collate(examples, c.MaxSeqLength)
}

func (c *DynamicPad) Collate(examples []datasets.Example) Batch {
	longest := 0
	for _, ex := range examples {
		for _, ids := range ex.InputIDs {
			longest = max(longest, len(ids))
		}
	}
	return c.collate(examples, longest)
}

func (p *padder) collate(examples []datasets.Example, seqLen int) Batch {
	numSent := 0
	for _, ex := range examples {
		numSent = max(numSent, ex.NumSentences())
	}

	batch := Batch{
		BatchSize:     len(examples),
		NumSent:       numSent,
		SeqLen:        seqLen,
		InputIDs:      make([][]int32, 0, len(examples)*numSent),
		AttentionMask: make([][]int32, 0, len(examples)*numSent),
		Labels:        make([]float64, 0, len(examples)),
	}

	for _, ex := range examples {
		for j := 0; j < numSent; j++ {
			// Rows with fewer sentences repeat their last one.
			src := min(j, ex.NumSentences()-1)
			var mask []int32
			if src < len(ex.AttentionMask) {
				mask = ex.AttentionMask[src]
			}
			ids, attn := p.pad(ex.InputIDs[src], mask, seqLen)
			batch.InputIDs = append(batch.InputIDs, ids)
			batch.AttentionMask = append(batch.AttentionMask, attn)
		}
		batch.Labels = append(batch.Labels, ex.Labels)
	}

	if p.mlm.Enabled {
		batch.MLMInputIDs, batch.MLMLabels = p.maskTokens(batch.InputIDs, batch.AttentionMask)
	}

	return batch
}

func (p *padder) pad(ids, mask []int32, seqLen int) ([]int32, []int32) {
	outIDs := make([]int32, seqLen)
	outMask := make([]int32, seqLen)
	for i := range outIDs {
		if i < len(ids) {
			outIDs[i] = ids[i]
			if mask != nil && i < len(mask) {
				outMask[i] = mask[i]
			} else {
				outMask[i] = 1
			}
		} else {
			outIDs[i] = p.padTokenID
		}
	}
	return outIDs, outMask
}

// maskTokens selects MLM positions: of the chosen tokens 80% become the mask
// token, 10% a random token and 10% stay unchanged.
func (p *padder) maskTokens(inputIDs, attention [][]int32) ([][]int32, [][]int32) {
	masked := make([][]int32, len(inputIDs))
	labels := make([][]int32, len(inputIDs))

	for row, ids := range inputIDs {
		masked[row] = append([]int32(nil), ids...)
		labels[row] = make([]int32, len(ids))
		for i, id := range ids {
			labels[row][i] = IgnoreIndex
			if attention[row][i] == 0 || (p.mlm.IsSpecial != nil && p.mlm.IsSpecial(id)) {
				continue
			}
			if p.rng.Float64() >= p.mlm.Probability {
				continue
			}
			labels[row][i] = id
			switch r := p.rng.Float64(); {
			case r < 0.8:
				masked[row][i] = p.mlm.MaskTokenID
			case r < 0.9 && p.mlm.VocabSize > 0:
				masked[row][i] = int32(p.rng.IntN(p.mlm.VocabSize))
			}
		}
	}

	return masked, labels
}
