package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
)

// IndexUseCase exposes index mutation and inspection to transports.
type IndexUseCase struct {
	index  ports.ChunkIndex
	logger *slog.Logger
}

func NewIndexUseCase(index ports.ChunkIndex, logger *slog.Logger) *IndexUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexUseCase{index: index, logger: logger}
}

func (uc *IndexUseCase) Ingest(ctx context.Context, req ports.IngestRequest) (int, error) {
	source := strings.TrimSpace(req.Source)
	if source == "" {
		return 0, domain.WrapError(domain.ErrInvalidInput, "ingest", errors.New("source is required"))
	}
	n, err := uc.index.AddChunks(ctx, source, req.Chunks, req.ReplaceSource)
	if err != nil {
		return 0, fmt.Errorf("ingest %s: %w", source, err)
	}
	uc.logger.Info("source_ingested",
		"source", source,
		"chunks", n,
		"replace", req.ReplaceSource,
	)
	return n, nil
}

func (uc *IndexUseCase) Delete(ctx context.Context, target domain.DeleteTarget) (int, error) {
	n, err := uc.index.Delete(ctx, target)
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	attrs := []any{"deleted", n}
	if target.ChunkID != nil {
		attrs = append(attrs, "chunk_id", *target.ChunkID)
	} else {
		attrs = append(attrs, "source", target.Source)
	}
	uc.logger.Info("chunks_deleted", attrs...)
	return n, nil
}

func (uc *IndexUseCase) ListSources(context.Context) ([]domain.SourceSummary, error) {
	return uc.index.ListSources(), nil
}

func (uc *IndexUseCase) Sample(_ context.Context, limit int) []domain.Chunk {
	return uc.index.Sample(limit)
}

func (uc *IndexUseCase) State(context.Context) domain.IndexState {
	return uc.index.State()
}
