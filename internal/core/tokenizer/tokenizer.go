package tokenizer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/daulet/tokenizers"
)

const TokenizerFile = "tokenizer.json"

// Files that make up a saved tokenizer. Only tokenizer.json is required.
var Files = []string{
	TokenizerFile,
	"tokenizer_config.json",
	"special_tokens_map.json",
	"vocab.json",
	"vocab.txt",
	"merges.txt",
	"sentencepiece.bpe.model",
}

// Tokenizer wraps a HuggingFace fast tokenizer loaded from a model directory.
type Tokenizer struct {
	tk  *tokenizers.Tokenizer
	dir string

	special SpecialTokens
}

func Load(dir string) (*Tokenizer, error) {
	tk, err := tokenizers.FromFile(filepath.Join(dir, TokenizerFile))
	if err != nil {
		return nil, fmt.Errorf("error loading tokenizer from %s: %w", dir, err)
	}

	special, err := ReadSpecialTokens(dir)
	if err != nil {
		tk.Close()
		return nil, err
	}

	return &Tokenizer{tk: tk, dir: dir, special: special}, nil
}

func (t *Tokenizer) VocabSize() int {
	return int(t.tk.VocabSize())
}

func (t *Tokenizer) Encode(text string) []int32 {
	enc := t.tk.EncodeWithOptions(text, true)
	ids := make([]int32, len(enc.IDs))
	for i, id := range enc.IDs {
		ids[i] = int32(id)
	}
	return ids
}

func (t *Tokenizer) PadTokenID() int32 {
	return t.special.Pad
}

func (t *Tokenizer) MaskTokenID() int32 {
	return t.special.Mask
}

func (t *Tokenizer) IsSpecial(id int32) bool {
	_, ok := t.special.IDs[id]
	return ok
}

// Save copies the tokenizer files into dir.
func (t *Tokenizer) Save(dir string) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return fmt.Errorf("error creating tokenizer dir: %w", err)
	}
	if filepath.Clean(dir) == filepath.Clean(t.dir) {
		return nil
	}
	for _, name := range Files {
		src := filepath.Join(t.dir, name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := copyFile(src, filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("error saving tokenizer file %s: %w", name, err)
		}
	}
	return nil
}

func (t *Tokenizer) Release() {
	if t.tk != nil {
		t.tk.Close()
		t.tk = nil
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

type SpecialTokens struct {
	Pad  int32
	Mask int32
	IDs  map[int32]struct{}
}

type addedToken struct {
	ID      int32  `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

var (
	padCandidates  = []string{"<pad>", "[PAD]"}
	maskCandidates = []string{"<mask>", "[MASK]"}
)

// ReadSpecialTokens finds the special token ids from tokenizer.json and, when
// present, the pad/mask names declared in tokenizer_config.json.
func ReadSpecialTokens(dir string) (SpecialTokens, error) {
	special := SpecialTokens{Pad: 0, Mask: 0, IDs: map[int32]struct{}{}}

	data, err := os.ReadFile(filepath.Join(dir, TokenizerFile))
	if err != nil {
		return special, fmt.Errorf("error reading %s: %w", TokenizerFile, err)
	}
	var doc struct {
		AddedTokens []addedToken `json:"added_tokens"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return special, fmt.Errorf("error parsing %s: %w", TokenizerFile, err)
	}

	byContent := make(map[string]int32, len(doc.AddedTokens))
	for _, tok := range doc.AddedTokens {
		byContent[tok.Content] = tok.ID
		if tok.Special {
			special.IDs[tok.ID] = struct{}{}
		}
	}

	declared := readDeclaredTokens(dir)

	if id, ok := lookup(byContent, declared["pad_token"], padCandidates); ok {
		special.Pad = id
	}
	if id, ok := lookup(byContent, declared["mask_token"], maskCandidates); ok {
		special.Mask = id
	}

	return special, nil
}

func lookup(byContent map[string]int32, declared string, candidates []string) (int32, bool) {
	if declared != "" {
		if id, ok := byContent[declared]; ok {
			return id, true
		}
	}
	for _, c := range candidates {
		if id, ok := byContent[c]; ok {
			return id, true
		}
	}
	return 0, false
}

// readDeclaredTokens reads token names from tokenizer_config.json. Entries are
// either plain strings or objects with a content field.
func readDeclaredTokens(dir string) map[string]string {
	out := map[string]string{}
	data, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json"))
	if err != nil {
		return out
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return out
	}
	for _, key := range []string{"pad_token", "mask_token"} {
		msg, ok := raw[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(msg, &s); err == nil {
			out[key] = s
			continue
		}
		var obj struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(msg, &obj); err == nil {
			out[key] = obj.Content
		}
	}
	return out
}
