package ollama

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
	"github.com/kirillkom/docsearch/internal/infrastructure/resilience"
)

const embedBatchSize = 64

// Embedder is the dense embedding provider backed by /api/embed.
type Embedder struct {
	client   *Client
	model    string
	executor *resilience.Executor
}

func NewEmbedder(client *Client, model string, exec *resilience.Executor) *Embedder {
	return &Embedder{client: client, model: strings.TrimSpace(model), executor: executorOrDefault(exec)}
}

func (e *Embedder) Mode() domain.IndexMode { return domain.ModeDense }

func (e *Embedder) Identity() string { return "ollama:" + e.model }

// Fit is a no-op: dense models are independent of the corpus.
func (e *Embedder) Fit(context.Context, []string) (ports.EmbeddingProvider, error) {
	return e, nil
}

// Embed returns one L2-normalised vector per text.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([]domain.Vector, error) {
	out := make([]domain.Vector, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := min(start+embedBatchSize, len(texts))
		batch, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

// Probe checks that the model answers an embedding call.
func (e *Embedder) Probe(ctx context.Context) error {
	if e.model == "" {
		return domain.WrapError(domain.ErrInvalidConfig, "ollama embed probe", errors.New("embedding model is not configured"))
	}
	_, err := e.embedBatch(ctx, []string{"ping"})
	return err
}

func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([]domain.Vector, error) {
	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	request := map[string]any{
		"model": e.model,
		"input": texts,
	}
	err := e.executor.Execute(ctx, "ollama.embed", func(callCtx context.Context) error {
		return e.client.postJSON(callCtx, "/api/embed", request, &response, "embed")
	}, classifyOllamaError)
	if err != nil {
		return nil, wrapProviderError("ollama embed", err)
	}
	if len(response.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed: %d embeddings for %d texts", len(response.Embeddings), len(texts))
	}

	out := make([]domain.Vector, len(texts))
	for i, vec := range response.Embeddings {
		out[i] = domain.DenseVector(normalize(vec))
	}
	return out, nil
}

func normalize(vec []float32) []float32 {
	sum := 0.0
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
