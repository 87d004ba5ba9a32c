package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
)

// ChunkerFactory builds a chunker for per-request chunk parameters.
type ChunkerFactory func(size, overlap int) (ports.Chunker, error)

// UploadUseCase extracts text from an uploaded file, chunks it and ingests
// the chunks under the file name.
type UploadUseCase struct {
	extractor      ports.TextExtractor
	newChunker     ChunkerFactory
	index          ports.IndexService
	defaultSize    int
	defaultOverlap int
}

func NewUploadUseCase(
	extractor ports.TextExtractor,
	newChunker ChunkerFactory,
	index ports.IndexService,
	defaultSize, defaultOverlap int,
) *UploadUseCase {
	return &UploadUseCase{
		extractor:      extractor,
		newChunker:     newChunker,
		index:          index,
		defaultSize:    defaultSize,
		defaultOverlap: defaultOverlap,
	}
}

func (uc *UploadUseCase) IngestFile(ctx context.Context, filename string, data []byte, chunkSize, overlap int) (int, error) {
	filename = strings.TrimSpace(filepath.Base(filename))
	if filename == "" || filename == "." {
		return 0, domain.WrapError(domain.ErrInvalidInput, "upload", errors.New("filename is required"))
	}
	if chunkSize <= 0 {
		chunkSize, overlap = uc.defaultSize, uc.defaultOverlap
	}
	chunker, err := uc.newChunker(chunkSize, overlap)
	if err != nil {
		return 0, domain.WrapError(domain.ErrInvalidInput, "upload", err)
	}

	text, err := uc.extractor.Extract(ctx, filename, data)
	if err != nil {
		return 0, fmt.Errorf("extract %s: %w", filename, err)
	}
	if strings.TrimSpace(text) == "" {
		return 0, domain.WrapError(domain.ErrInvalidInput, "upload", fmt.Errorf("no extractable text in %s", filename))
	}

	chunks := chunker.Split(text)
	return uc.index.Ingest(ctx, ports.IngestRequest{Source: filename, Chunks: chunks})
}

// AsyncUploadUseCase stores uploads and hands them to a queue consumer that
// runs IngestFile later.
type AsyncUploadUseCase struct {
	storage  ports.ObjectStorage
	queue    ports.UploadQueue
	ingestor ports.DocumentIngestor
	logger   *slog.Logger
}

func NewAsyncUploadUseCase(
	storage ports.ObjectStorage,
	queue ports.UploadQueue,
	ingestor ports.DocumentIngestor,
	logger *slog.Logger,
) *AsyncUploadUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncUploadUseCase{storage: storage, queue: queue, ingestor: ingestor, logger: logger}
}

// Submit saves the file and publishes an upload event. It returns the storage key.
func (uc *AsyncUploadUseCase) Submit(ctx context.Context, filename string, body io.Reader, chunkSize, overlap int) (string, error) {
	key := fmt.Sprintf("%s_%s", uuid.NewString(), sanitizeFilename(filename))
	if err := uc.storage.Save(ctx, key, body); err != nil {
		return "", fmt.Errorf("save to object storage: %w", err)
	}
	event := ports.UploadEvent{
		StorageKey: key,
		Filename:   filepath.Base(filename),
		ChunkSize:  chunkSize,
		Overlap:    overlap,
	}
	if err := uc.queue.PublishUploaded(ctx, event); err != nil {
		return "", fmt.Errorf("publish upload event: %w", err)
	}
	return key, nil
}

// Handle ingests a stored upload. It is the queue subscriber callback.
func (uc *AsyncUploadUseCase) Handle(ctx context.Context, event ports.UploadEvent) error {
	rc, err := uc.storage.Open(ctx, event.StorageKey)
	if err != nil {
		return fmt.Errorf("open stored upload: %w", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return fmt.Errorf("read stored upload: %w", err)
	}
	n, err := uc.ingestor.IngestFile(ctx, event.Filename, buf.Bytes(), event.ChunkSize, event.Overlap)
	if err != nil {
		uc.logger.Error("async_ingest_failed", "storage_key", event.StorageKey, "filename", event.Filename, "error", err)
		return err
	}
	uc.logger.Info("async_ingest_done", "storage_key", event.StorageKey, "filename", event.Filename, "chunks", n)
	return nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" {
		return "document.bin"
	}
	return base
}
