package usecase

import (
	"context"
	"io"
	"sync"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
)

type fakeProvider struct {
	identity string
	err      error
	embedded []string
}

func (f *fakeProvider) Mode() domain.IndexMode { return domain.ModeDense }
func (f *fakeProvider) Identity() string       { return f.identity }
func (f *fakeProvider) Fit(context.Context, []string) (ports.EmbeddingProvider, error) {
	return f, nil
}

func (f *fakeProvider) Embed(_ context.Context, texts []string) ([]domain.Vector, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.embedded = append(f.embedded, texts...)
	out := make([]domain.Vector, len(texts))
	for i := range texts {
		out[i] = domain.DenseVector([]float32{1, 0})
	}
	return out, nil
}

type fakeIndex struct {
	providers  []*fakeProvider
	providerAt int
	results    []domain.RetrievalResult
	// staleFor makes Query reject that many calls with ErrProviderChanged.
	staleFor int
	queries  []int
	added    []ports.IngestRequest
	deleted  []domain.DeleteTarget
	sources  []domain.SourceSummary
}

func (f *fakeIndex) Provider() ports.EmbeddingProvider {
	p := f.providers[f.providerAt]
	if f.providerAt < len(f.providers)-1 {
		f.providerAt++
	}
	return p
}

func (f *fakeIndex) Query(_ context.Context, _ string, _ domain.Vector, k int) ([]domain.RetrievalResult, error) {
	f.queries = append(f.queries, k)
	if f.staleFor > 0 {
		f.staleFor--
		return nil, domain.WrapError(domain.ErrProviderChanged, "query", io.ErrUnexpectedEOF)
	}
	if k < len(f.results) {
		return f.results[:k], nil
	}
	return f.results, nil
}

func (f *fakeIndex) AddChunks(_ context.Context, source string, inputs []domain.ChunkInput, replace bool) (int, error) {
	f.added = append(f.added, ports.IngestRequest{Source: source, Chunks: inputs, ReplaceSource: replace})
	return len(inputs), nil
}

func (f *fakeIndex) Delete(_ context.Context, target domain.DeleteTarget) (int, error) {
	f.deleted = append(f.deleted, target)
	return 1, nil
}

func (f *fakeIndex) ListSources() []domain.SourceSummary { return f.sources }
func (f *fakeIndex) Sample(int) []domain.Chunk           { return nil }

func (f *fakeIndex) State() domain.IndexState {
	return domain.IndexState{Mode: domain.ModeDense, ModelIdentity: "fake", ChunkCount: len(f.results)}
}

type fakeRetriever struct {
	results []domain.RetrievalResult
	err     error
	gotK    int
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, k int) ([]domain.RetrievalResult, error) {
	f.gotK = k
	if f.err != nil {
		return nil, f.err
	}
	if k < len(f.results) {
		return f.results[:k], nil
	}
	return f.results, nil
}

// fakeChat replays deltas; failAfter >= 0 injects streamErr after that many deltas.
type fakeChat struct {
	mu          sync.Mutex
	model       string
	completion  string
	completeErr error
	streamErr   error
	openErr     error
	deltas      []string
	failAfter   int
	block       bool
	requests    []domain.ChatRequest
	closed      bool
}

func (f *fakeChat) DefaultModel() string { return f.model }

func (f *fakeChat) Complete(_ context.Context, req domain.ChatRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.completeErr != nil {
		return "", f.completeErr
	}
	return f.completion, nil
}

func (f *fakeChat) Stream(_ context.Context, req domain.ChatRequest) (ports.DeltaStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fakeStream{chat: f}, nil
}

func (f *fakeChat) Status(model string) domain.LLMStatus {
	return domain.LLMStatus{OK: true, Model: model, Reason: "quick"}
}

func (f *fakeChat) Ping(_ context.Context, model string) domain.LLMStatus {
	return domain.LLMStatus{OK: true, Model: model, Reason: "deep"}
}

func (f *fakeChat) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeStream struct {
	chat *fakeChat
	pos  int
}

func (s *fakeStream) Next(ctx context.Context) (string, error) {
	if s.chat.failAfter >= 0 && s.pos == s.chat.failAfter && s.chat.streamErr != nil {
		return "", s.chat.streamErr
	}
	if s.pos >= len(s.chat.deltas) {
		if s.chat.block {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "", io.EOF
	}
	d := s.chat.deltas[s.pos]
	s.pos++
	return d, nil
}

func (s *fakeStream) Close() error {
	s.chat.mu.Lock()
	defer s.chat.mu.Unlock()
	s.chat.closed = true
	return nil
}

func results(texts ...string) []domain.RetrievalResult {
	out := make([]domain.RetrievalResult, len(texts))
	for i, text := range texts {
		out[i] = domain.RetrievalResult{
			ChunkID: uint64(i + 1),
			Source:  "doc.txt",
			Ordinal: i,
			Text:    text,
			Score:   1 - float64(i)*0.1,
			Rank:    i + 1,
		}
	}
	return out
}
