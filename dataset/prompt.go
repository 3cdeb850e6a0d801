package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	tokenizer "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// NoText as a fallback prompt blanks every caption.
const NoText = "<no_text>"

// PromptEncoder turns a caption into token ids.
type PromptEncoder interface {
	Encode(prompt string) ([]int, error)
}

// Tokenizer encodes prompts with a tokenizer.json vocabulary, truncating
// and padding to a fixed length.
type Tokenizer struct {
	tok    *tokenizer.Tokenizer
	maxLen int
	padID  int
}

// LoadTokenizer reads a HuggingFace tokenizer.json file.
func LoadTokenizer(path string, maxLen int) (*Tokenizer, error) {
	tok, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	return &Tokenizer{tok: tok, maxLen: maxLen}, nil
}

// Encode implements PromptEncoder.
func (t *Tokenizer) Encode(prompt string) ([]int, error) {
	enc, err := t.tok.EncodeSingle(prompt)
	if err != nil {
		return nil, fmt.Errorf("tokenize %q: %w", prompt, err)
	}
	return fitLength(enc.GetIds(), t.maxLen, t.padID), nil
}

// fitLength truncates or pads ids to n. n <= 0 keeps them as they are.
func fitLength(ids []int, n, pad int) []int {
	if n <= 0 {
		return ids
	}
	out := make([]int, n)
	copy(out, ids)
	for i := len(ids); i < n; i++ {
		out[i] = pad
	}
	return out
}

// promptIDs encodes prompt, or returns the single id 0 without an encoder.
func promptIDs(enc PromptEncoder, prompt string) ([]int, error) {
	if enc == nil {
		return []int{0}, nil
	}
	return enc.Encode(prompt)
}

// captionFor reads the .txt file next to path and picks one of its lines.
// It returns fallback when there is no caption file.
func captionFor(path, fallback string, rng *rand.Rand) string {
	b, err := os.ReadFile(strings.TrimSuffix(path, filepath.Ext(path)) + ".txt")
	if err != nil {
		return fallback
	}
	var lines []string
	for _, l := range strings.Split(string(b), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return fallback
	}
	if rng == nil {
		return lines[0]
	}
	return lines[rng.Intn(len(lines))]
}
