package chunking

import (
	"fmt"
	"strings"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

const (
	DefaultChunkSize = 500
	DefaultOverlap   = 50
)

type Splitter struct {
	ChunkSize int
	Overlap   int
}

func NewSplitter(chunkSize, overlap int) (*Splitter, error) {
	if err := Validate(chunkSize, overlap); err != nil {
		return nil, err
	}
	return &Splitter{
		ChunkSize: chunkSize,
		Overlap:   overlap,
	}, nil
}

// Validate enforces 0 <= overlap < chunkSize.
func Validate(chunkSize, overlap int) error {
	if chunkSize <= 0 {
		return domain.WrapError(domain.ErrInvalidConfig, "chunking", fmt.Errorf("chunk size must be positive, got %d", chunkSize))
	}
	if overlap < 0 || overlap >= chunkSize {
		return domain.WrapError(domain.ErrInvalidConfig, "chunking", fmt.Errorf("overlap must be in [0, %d), got %d", chunkSize, overlap))
	}
	return nil
}

// Chunk splits text with per-call parameters.
func Chunk(text string, chunkSize, overlap int) ([]domain.ChunkInput, error) {
	s, err := NewSplitter(chunkSize, overlap)
	if err != nil {
		return nil, err
	}
	return s.Split(text), nil
}

// Split slides a window of ChunkSize runes with step ChunkSize-Overlap.
// Whitespace-only windows are dropped; spans refer to rune offsets.
func (s *Splitter) Split(text string) []domain.ChunkInput {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := s.ChunkSize - s.Overlap
	out := make([]domain.ChunkInput, 0, len(runes)/step+1)
	for start := 0; start < len(runes); start += step {
		end := start + s.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		window := string(runes[start:end])
		if strings.TrimSpace(window) != "" {
			out = append(out, domain.ChunkInput{
				Text: window,
				Span: domain.CharSpan{Start: start, End: end},
			})
		}
		if end == len(runes) {
			break
		}
	}
	return out
}
