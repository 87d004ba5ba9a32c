package ports

import (
	"context"
	"io"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

// IngestRequest carries pre-chunked text for one source document.
type IngestRequest struct {
	Source        string
	Chunks        []domain.ChunkInput
	ReplaceSource bool
}

// AnswerRequest is the synthesis input shared by the sync and stream paths.
type AnswerRequest struct {
	Text        string
	K           int
	Persona     string
	Model       string
	MaxTokens   int
	RecentTurns []domain.ConversationTurn
}

// IndexService is the inbound contract for index mutation and inspection.
type IndexService interface {
	Ingest(ctx context.Context, req IngestRequest) (int, error)
	Delete(ctx context.Context, target domain.DeleteTarget) (int, error)
	ListSources(ctx context.Context) ([]domain.SourceSummary, error)
	Sample(ctx context.Context, limit int) []domain.Chunk
	State(ctx context.Context) domain.IndexState
}

// Retriever is the inbound contract for ranked retrieval. A k of zero or
// less selects the configured default (RAG_TOP_K) rather than 1; any k is
// then clamped to [1, RAG_MAX_K] and to the chunk count by the index.
type Retriever interface {
	Retrieve(ctx context.Context, text string, k int) ([]domain.RetrievalResult, error)
}

// AnswerService is the inbound contract for RAG synthesis.
type AnswerService interface {
	Answer(ctx context.Context, req AnswerRequest) (*domain.Answer, error)
	Stream(ctx context.Context, req AnswerRequest) (<-chan domain.StreamEvent, error)
	ProbeLLM(ctx context.Context, mode, model string) domain.LLMStatus
}

// DocumentIngestor turns an uploaded file into indexed chunks.
type DocumentIngestor interface {
	IngestFile(ctx context.Context, filename string, data []byte, chunkSize, overlap int) (int, error)
}

// UploadSubmitter accepts a file for deferred ingestion and returns the key
// it was stored under.
type UploadSubmitter interface {
	Submit(ctx context.Context, filename string, body io.Reader, chunkSize, overlap int) (string, error)
}
