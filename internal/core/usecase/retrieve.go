package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
)

const DefaultK = 4

type RetrieveUseCase struct {
	index    ports.ChunkIndex
	defaultK int
}

func NewRetrieveUseCase(index ports.ChunkIndex, defaultK int) *RetrieveUseCase {
	if defaultK <= 0 {
		defaultK = DefaultK
	}
	return &RetrieveUseCase{index: index, defaultK: defaultK}
}

// Retrieve embeds text with the index's current provider and returns up to k
// ranked results. A sparse re-fit racing the query is retried once.
func (uc *RetrieveUseCase) Retrieve(ctx context.Context, text string, k int) ([]domain.RetrievalResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve", errors.New("query text is empty"))
	}
	if k <= 0 {
		k = uc.defaultK
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		provider := uc.index.Provider()
		vectors, err := provider.Embed(ctx, []string{text})
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		if len(vectors) != 1 {
			return nil, fmt.Errorf("embed query: provider returned %d vectors", len(vectors))
		}

		results, err := uc.index.Query(ctx, provider.Identity(), vectors[0], k)
		if err == nil {
			return results, nil
		}
		if !domain.IsKind(err, domain.ErrProviderChanged) {
			return nil, fmt.Errorf("query index: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("query index: %w", lastErr)
}
