package core

import (
	"context"
)

// Model is a pretrained sentence encoder whose parameters the trainer mutates in place.
type Model interface {
	// NumEmbeddings is the row count of the token embedding table.
	NumEmbeddings() int

	ResizeTokenEmbeddings(n int) error

	Save(dir string) error

	Release()
}

// Reloadable models can replace their parameters with a checkpoint written by Save.
type Reloadable interface {
	Reload(dir string) error
}

type Tokenizer interface {
	VocabSize() int

	Encode(text string) []int32

	PadTokenID() int32

	MaskTokenID() int32

	// IsSpecial reports whether id is a special token (cls, sep, pad, ...).
	IsSpecial(id int32) bool

	Save(dir string) error

	Release()
}

// ModelSource resolves a model identifier to a model and its tokenizer.
type ModelSource interface {
	Acquire(ctx context.Context, identifier string) (Model, Tokenizer, error)
}

// ModelLoader builds a model from a resolved checkpoint directory.
type ModelLoader func(modelDir string) (Model, error)

type TokenizerLoader func(modelDir string) (Tokenizer, error)
