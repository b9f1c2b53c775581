package ai

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the tiktoken encoding used when none is configured.
const DefaultEncoding = "cl100k_base"

// Tokenizer encodes text into model tokens and back.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer loads the named tiktoken encoding.
func NewTokenizer(encoding string) (Tokenizer, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encoding, err)
	}
	return &tiktokenTokenizer{enc: enc}, nil
}

func (t *tiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *tiktokenTokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

// CountTokens returns the number of tokens in text.
func CountTokens(t Tokenizer, text string) int {
	return len(t.Encode(text))
}

// TruncateTokens cuts text to at most maxTokens tokens.
func TruncateTokens(t Tokenizer, text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	tokens := t.Encode(text)
	if len(tokens) <= maxTokens {
		return text
	}
	return t.Decode(tokens[:maxTokens])
}
