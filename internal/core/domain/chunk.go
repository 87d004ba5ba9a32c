package domain

// CharSpan is a half-open [Start, End) range of rune offsets into the source text.
type CharSpan struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ChunkInput is a chunk candidate before the index assigns it an identity.
type ChunkInput struct {
	Text string   `json:"text"`
	Span CharSpan `json:"span"`
}

// Chunk is immutable once created and owned by the index store.
type Chunk struct {
	ID      uint64   `json:"id"`
	Source  string   `json:"source"`
	Ordinal int      `json:"ordinal"`
	Text    string   `json:"-"`
	Span    CharSpan `json:"span"`
}

// DeleteTarget selects chunks by source or by a single chunk id.
type DeleteTarget struct {
	Source  string
	ChunkID *uint64
}

func DeleteBySource(source string) DeleteTarget {
	return DeleteTarget{Source: source}
}

func DeleteByID(id uint64) DeleteTarget {
	return DeleteTarget{ChunkID: &id}
}

type SourceSummary struct {
	Source     string `json:"source"`
	ChunkCount int    `json:"chunk_count"`
}
