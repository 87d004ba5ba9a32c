package ports

import (
	"context"
	"io"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

// EmbeddingProvider turns text into vectors comparable with one index mode.
type EmbeddingProvider interface {
	Mode() domain.IndexMode
	// Identity names the model or the fitted vectorizer; vectors from
	// providers with different identities are not comparable.
	Identity() string
	// Fit returns a provider prepared for corpus. Providers without a
	// corpus-level fit return themselves.
	Fit(ctx context.Context, corpus []string) (EmbeddingProvider, error)
	Embed(ctx context.Context, texts []string) ([]domain.Vector, error)
}

// ChunkIndex is the durable chunk/vector store the retriever reads from.
type ChunkIndex interface {
	Provider() EmbeddingProvider
	Query(ctx context.Context, identity string, vector domain.Vector, k int) ([]domain.RetrievalResult, error)
	AddChunks(ctx context.Context, source string, inputs []domain.ChunkInput, replace bool) (int, error)
	Delete(ctx context.Context, target domain.DeleteTarget) (int, error)
	ListSources() []domain.SourceSummary
	// Sample returns up to limit chunks in index order.
	Sample(limit int) []domain.Chunk
	State() domain.IndexState
}

// DeltaStream is a pull-based, ordered sequence of text deltas. Next returns
// io.EOF after the last delta. Close releases the underlying connection.
type DeltaStream interface {
	Next(ctx context.Context) (string, error)
	io.Closer
}

// ChatModel is a language-model provider.
type ChatModel interface {
	DefaultModel() string
	Complete(ctx context.Context, req domain.ChatRequest) (string, error)
	Stream(ctx context.Context, req domain.ChatRequest) (DeltaStream, error)
	// Status reports configuration readiness without network calls.
	Status(model string) domain.LLMStatus
	// Ping performs a minimal completion to verify reachability.
	Ping(ctx context.Context, model string) domain.LLMStatus
}

// Chunker splits extracted text into overlapping windows.
type Chunker interface {
	Split(text string) []domain.ChunkInput
}

// TextExtractor extracts plain text from an uploaded document.
type TextExtractor interface {
	Extract(ctx context.Context, filename string, data []byte) (string, error)
}

// ObjectStorage stores uploaded source documents.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// UploadQueue publishes and consumes stored-upload events.
type UploadQueue interface {
	PublishUploaded(ctx context.Context, event UploadEvent) error
	SubscribeUploaded(ctx context.Context, handler func(context.Context, UploadEvent) error) error
}

type UploadEvent struct {
	StorageKey string `json:"storage_key"`
	Filename   string `json:"filename"`
	ChunkSize  int    `json:"chunk_size"`
	Overlap    int    `json:"overlap"`
}

// SessionMemory keeps recent conversation turns per session.
type SessionMemory interface {
	RecentTurns(ctx context.Context, sessionID string, limitPairs int) ([]domain.ConversationTurn, error)
	AppendTurn(ctx context.Context, sessionID, question, answer string) error
}

// UsageRecorder keeps per-user activity counters. A query counts toward
// Sessions the first time its session id is seen for that user.
type UsageRecorder interface {
	RecordQuery(ctx context.Context, userID, sessionID string, llmUsed bool) error
	RecordUpload(ctx context.Context, userID string) error
	Profile(ctx context.Context, userID string) (domain.UsageProfile, error)
}
