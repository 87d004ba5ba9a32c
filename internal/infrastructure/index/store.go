// Package index is the persisted chunk/vector store. Each mutation produces a
// new immutable snapshot that is written as a numbered generation on disk and
// only then published to readers.
package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
	"github.com/kirillkom/docsearch/internal/infrastructure/embedding/tfidf"
)

const firstChunkID uint64 = 1

// Observer receives commit outcomes, typically for metrics.
type Observer interface {
	ObserveCommit(operation string, chunks int, took time.Duration, err error)
}

type Options struct {
	Dir  string
	MaxK int
	// AutoRebuild re-embeds the stored corpus when the persisted mode or
	// model does not match the configured provider.
	AutoRebuild bool
	Logger      *slog.Logger
	Observer    Observer
}

type snapshot struct {
	generation uint64
	state      domain.IndexState
	nextID     uint64
	chunks     []domain.Chunk
	vectors    []domain.Vector
	byID       map[uint64]int
	provider   ports.EmbeddingProvider
	backend    backend
}

type Store struct {
	dir      string
	maxK     int
	logger   *slog.Logger
	observer Observer

	writeMu sync.Mutex
	mu      sync.RWMutex
	snap    *snapshot
	closed  bool

	// beforeCommit runs after a generation is on disk and before CURRENT
	// points at it.
	beforeCommit func(genDir string) error
}

// Open loads the generation CURRENT points at, or starts an empty index.
func Open(ctx context.Context, provider ports.EmbeddingProvider, opts Options) (*Store, error) {
	if provider == nil {
		return nil, domain.WrapError(domain.ErrInvalidConfig, "open index", errors.New("embedding provider is required"))
	}
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, domain.WrapError(domain.ErrInvalidConfig, "open index", errors.New("index dir is required"))
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, domain.WrapError(domain.ErrIndexWrite, "open index", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{dir: opts.Dir, maxK: opts.MaxK, logger: logger, observer: opts.Observer}

	name, err := readCurrent(opts.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		s.snap = emptySnapshot(provider)
		if err := removeStale(opts.Dir, ""); err != nil {
			logger.Warn("index_cleanup_failed", "error", err)
		}
		logger.Info("index_opened", "dir", opts.Dir, "mode", provider.Mode(), "chunks", 0)
		return s, nil
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrIndexInconsistent, "open index", err)
	}

	loaded, err := readGeneration(opts.Dir, name)
	if err != nil {
		return nil, domain.WrapError(domain.ErrIndexInconsistent, "open index", err)
	}
	snap, err := loaded.snapshot(provider)
	if err != nil {
		return nil, domain.WrapError(domain.ErrIndexInconsistent, "open index", err)
	}
	s.snap = snap
	if err := removeStale(opts.Dir, name); err != nil {
		logger.Warn("index_cleanup_failed", "error", err)
	}

	if mismatch := compatible(snap.state, provider); mismatch != nil {
		if !opts.AutoRebuild {
			return nil, domain.WrapError(domain.ErrIndexInconsistent, "open index", mismatch)
		}
		logger.Warn("index_rebuild_required",
			"reason", mismatch.Error(),
			"chunks", snap.state.ChunkCount,
		)
		if err := s.Rebuild(ctx, provider); err != nil {
			return nil, err
		}
	}

	st := s.State()
	logger.Info("index_opened",
		"dir", opts.Dir,
		"generation", s.current().generation,
		"mode", st.Mode,
		"model", st.ModelIdentity,
		"chunks", st.ChunkCount,
	)
	return s, nil
}

// compatible reports whether a persisted index can serve the configured
// provider. Sparse indexes carry their own fitted vectorizer.
func compatible(state domain.IndexState, provider ports.EmbeddingProvider) error {
	if state.Mode != provider.Mode() {
		return fmt.Errorf("index mode %s, configured mode %s", state.Mode, provider.Mode())
	}
	if state.Mode == domain.ModeDense && state.ModelIdentity != provider.Identity() {
		return fmt.Errorf("index model %q, configured model %q", state.ModelIdentity, provider.Identity())
	}
	return nil
}

func emptySnapshot(provider ports.EmbeddingProvider) *snapshot {
	return &snapshot{
		state: domain.IndexState{
			Mode:          provider.Mode(),
			ModelIdentity: provider.Identity(),
		},
		nextID:   firstChunkID,
		byID:     map[uint64]int{},
		provider: provider,
		backend:  newBackend(provider.Mode(), nil, nil),
	}
}

func (l *loadedGeneration) snapshot(configured ports.EmbeddingProvider) (*snapshot, error) {
	provider := configured
	if l.manifest.State.Mode == domain.ModeSparse {
		v, err := tfidf.FromState(*l.vectors.Vectorizer)
		if err != nil {
			return nil, err
		}
		if v.Identity() != l.manifest.State.ModelIdentity {
			return nil, fmt.Errorf("vectorizer identity %s, manifest identity %s", v.Identity(), l.manifest.State.ModelIdentity)
		}
		if configured.Mode() == domain.ModeSparse {
			provider = v
		}
	}
	byID := make(map[uint64]int, len(l.chunks))
	for i, c := range l.chunks {
		byID[c.ID] = i
	}
	return &snapshot{
		generation: l.manifest.Generation,
		state:      l.manifest.State,
		nextID:     l.manifest.NextID,
		chunks:     l.chunks,
		vectors:    l.rows,
		byID:       byID,
		provider:   provider,
		backend:    l.backend,
	}, nil
}

func (s *snapshot) vectorSet() (vectorSet, error) {
	vs := vectorSet{Mode: s.state.Mode, IDs: make([]uint64, len(s.chunks))}
	for i, c := range s.chunks {
		vs.IDs[i] = c.ID
	}
	switch s.state.Mode {
	case domain.ModeDense:
		vs.Dense = make([][]float32, len(s.vectors))
		for i, v := range s.vectors {
			vs.Dense[i] = v.Dense
		}
	case domain.ModeSparse:
		vs.Sparse = make([]domain.SparseVector, len(s.vectors))
		for i, v := range s.vectors {
			vs.Sparse[i] = v.Sparse
		}
		stateful, ok := s.provider.(interface{ State() tfidf.State })
		if !ok {
			return vectorSet{}, fmt.Errorf("sparse provider %s cannot be persisted", s.provider.Identity())
		}
		st := stateful.State()
		vs.Vectorizer = &st
	}
	return vs, nil
}

func (s *Store) current() *snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Provider is the embedding provider query vectors must be built with.
func (s *Store) Provider() ports.EmbeddingProvider {
	return s.current().provider
}

func (s *Store) State() domain.IndexState {
	return s.current().state
}

func (s *Store) ListSources() []domain.SourceSummary {
	snap := s.current()
	counts := make(map[string]int)
	for _, c := range snap.chunks {
		counts[c.Source]++
	}
	out := make([]domain.SourceSummary, 0, len(counts))
	for source, n := range counts {
		out = append(out, domain.SourceSummary{Source: source, ChunkCount: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Sample returns up to limit chunks in insertion order.
func (s *Store) Sample(limit int) []domain.Chunk {
	snap := s.current()
	if limit <= 0 || limit > len(snap.chunks) {
		limit = len(snap.chunks)
	}
	out := make([]domain.Chunk, limit)
	copy(out, snap.chunks[:limit])
	return out
}

// Query ranks chunks by similarity to vector. identity must name the
// provider the vector was produced by.
func (s *Store) Query(ctx context.Context, identity string, vector domain.Vector, k int) ([]domain.RetrievalResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := s.current()
	if identity != snap.provider.Identity() {
		return nil, domain.WrapError(domain.ErrProviderChanged, "query index",
			fmt.Errorf("vector from %s, index serves %s", identity, snap.provider.Identity()))
	}
	n := len(snap.chunks)
	if n == 0 {
		return []domain.RetrievalResult{}, nil
	}
	if vector.Mode != snap.state.Mode {
		return nil, domain.WrapError(domain.ErrIndexInconsistent, "query index",
			fmt.Errorf("query mode %s, index mode %s", vector.Mode, snap.state.Mode))
	}
	if vector.Mode == domain.ModeDense && len(vector.Dense) != snap.state.Dimension {
		return nil, domain.WrapError(domain.ErrIndexInconsistent, "query index",
			fmt.Errorf("query dimension %d, index dimension %d", len(vector.Dense), snap.state.Dimension))
	}

	k = clampK(k, s.maxK, n)
	ranked := rankCandidates(snap.backend.search(vector, k), snap.chunks, k)
	out := make([]domain.RetrievalResult, 0, len(ranked))
	for i, cand := range ranked {
		c := snap.chunks[cand.pos]
		out = append(out, domain.RetrievalResult{
			ChunkID: c.ID,
			Source:  c.Source,
			Ordinal: c.Ordinal,
			Text:    c.Text,
			Score:   cand.score,
			Rank:    i + 1,
		})
	}
	return out, nil
}

// AddChunks appends inputs under source. With replace, existing chunks of
// source are removed in the same commit.
func (s *Store) AddChunks(ctx context.Context, source string, inputs []domain.ChunkInput, replace bool) (int, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return 0, domain.WrapError(domain.ErrInvalidInput, "add chunks", errors.New("source is required"))
	}
	kept := make([]domain.ChunkInput, 0, len(inputs))
	for _, in := range inputs {
		if strings.TrimSpace(in.Text) != "" {
			kept = append(kept, in)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	cur := s.current()

	chunks, vectors := cur.chunks, cur.vectors
	removed := 0
	if replace {
		chunks, vectors, removed = cur.without(func(c domain.Chunk) bool { return c.Source == source })
	}
	if len(kept) == 0 && removed == 0 {
		return 0, nil
	}

	ordinal := 0
	for _, c := range chunks {
		if c.Source == source && c.Ordinal >= ordinal {
			ordinal = c.Ordinal + 1
		}
	}
	nextID := cur.nextID
	added := make([]domain.Chunk, 0, len(kept))
	for i, in := range kept {
		added = append(added, domain.Chunk{
			ID:      nextID,
			Source:  source,
			Ordinal: ordinal + i,
			Text:    in.Text,
			Span:    in.Span,
		})
		nextID++
	}

	all := make([]domain.Chunk, 0, len(chunks)+len(added))
	all = append(all, chunks...)
	all = append(all, added...)

	op := "add chunks"
	if replace {
		op = "replace source"
	}
	next, err := s.derive(ctx, op, cur, cur.provider, all, vectors, added)
	if err != nil {
		return 0, err
	}
	next.nextID = nextID
	if err := s.commit(op, next); err != nil {
		return 0, err
	}
	return len(added), nil
}

// Delete removes the chunks selected by target and returns how many matched.
func (s *Store) Delete(ctx context.Context, target domain.DeleteTarget) (int, error) {
	if target.ChunkID == nil && strings.TrimSpace(target.Source) == "" {
		return 0, domain.WrapError(domain.ErrInvalidInput, "delete chunks", errors.New("source or chunk id is required"))
	}
	match := func(c domain.Chunk) bool { return c.Source == target.Source }
	if target.ChunkID != nil {
		id := *target.ChunkID
		match = func(c domain.Chunk) bool { return c.ID == id }
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	cur := s.current()
	if target.ChunkID != nil {
		if _, ok := cur.byID[*target.ChunkID]; !ok {
			return 0, nil
		}
	}
	chunks, vectors, removed := cur.without(match)
	if removed == 0 {
		return 0, nil
	}
	next, err := s.derive(ctx, "delete chunks", cur, cur.provider, chunks, vectors, nil)
	if err != nil {
		return 0, err
	}
	if err := s.commit("delete chunks", next); err != nil {
		return 0, err
	}
	return removed, nil
}

// Rebuild re-embeds every stored chunk with provider and commits the result.
func (s *Store) Rebuild(ctx context.Context, provider ports.EmbeddingProvider) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	cur := s.current()
	next, err := s.derive(ctx, "rebuild index", cur, provider, cur.chunks, nil, cur.chunks)
	if err != nil {
		return err
	}
	return s.commit("rebuild index", next)
}

// Save writes the current snapshot as a fresh generation.
func (s *Store) Save(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	cur := *s.current()
	return s.commit("save index", &cur)
}

func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed {
		return domain.WrapError(domain.ErrIndexWrite, "index", errors.New("store is closed"))
	}
	return nil
}

// without copies the snapshot rows that do not match drop.
func (s *snapshot) without(drop func(domain.Chunk) bool) ([]domain.Chunk, []domain.Vector, int) {
	chunks := make([]domain.Chunk, 0, len(s.chunks))
	vectors := make([]domain.Vector, 0, len(s.vectors))
	for i, c := range s.chunks {
		if drop(c) {
			continue
		}
		chunks = append(chunks, c)
		vectors = append(vectors, s.vectors[i])
	}
	return chunks, vectors, len(s.chunks) - len(chunks)
}

// derive builds the next snapshot. Dense providers embed only the added
// chunks and keep existing rows; sparse providers are re-fitted over the
// whole corpus and every row is re-embedded.
func (s *Store) derive(
	ctx context.Context,
	op string,
	cur *snapshot,
	provider ports.EmbeddingProvider,
	chunks []domain.Chunk,
	keptVectors []domain.Vector,
	added []domain.Chunk,
) (*snapshot, error) {
	var vectors []domain.Vector
	if provider.Mode() == domain.ModeSparse {
		corpus := texts(chunks)
		fitted, err := provider.Fit(ctx, corpus)
		if err != nil {
			return nil, fmt.Errorf("%s: fit vectorizer: %w", op, err)
		}
		provider = fitted
		vectors, err = provider.Embed(ctx, corpus)
		if err != nil {
			return nil, fmt.Errorf("%s: embed corpus: %w", op, err)
		}
	} else {
		fresh, err := provider.Embed(ctx, texts(added))
		if err != nil {
			return nil, fmt.Errorf("%s: embed chunks: %w", op, err)
		}
		if len(fresh) != len(added) {
			return nil, domain.WrapError(domain.ErrIndexInconsistent, op,
				fmt.Errorf("provider returned %d vectors for %d chunks", len(fresh), len(added)))
		}
		vectors = make([]domain.Vector, 0, len(chunks))
		vectors = append(vectors, keptVectors...)
		vectors = append(vectors, fresh...)
	}
	if len(vectors) != len(chunks) {
		return nil, domain.WrapError(domain.ErrIndexInconsistent, op,
			fmt.Errorf("%d vectors for %d chunks", len(vectors), len(chunks)))
	}

	dim, err := checkVectors(provider.Mode(), vectors)
	if err != nil {
		return nil, domain.WrapError(domain.ErrIndexInconsistent, op, err)
	}
	if sized, ok := provider.(interface{ Dimension() int }); ok && provider.Mode() == domain.ModeSparse {
		dim = sized.Dimension()
	}

	ids := make([]uint64, len(chunks))
	byID := make(map[uint64]int, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
		byID[c.ID] = i
	}
	return &snapshot{
		generation: cur.generation,
		state: domain.IndexState{
			Mode:          provider.Mode(),
			ModelIdentity: provider.Identity(),
			ChunkCount:    len(chunks),
			Dimension:     dim,
		},
		nextID:   cur.nextID,
		chunks:   chunks,
		vectors:  vectors,
		byID:     byID,
		provider: provider,
		backend:  newBackend(provider.Mode(), ids, vectors),
	}, nil
}

func checkVectors(mode domain.IndexMode, vectors []domain.Vector) (int, error) {
	dim := 0
	for i, v := range vectors {
		if v.Mode != mode {
			return 0, fmt.Errorf("vector %d mode %s, provider mode %s", i, v.Mode, mode)
		}
		if mode != domain.ModeDense {
			continue
		}
		if len(v.Dense) == 0 {
			return 0, fmt.Errorf("vector %d is empty", i)
		}
		if i == 0 {
			dim = len(v.Dense)
		} else if len(v.Dense) != dim {
			return 0, fmt.Errorf("vector %d dimension %d, expected %d", i, len(v.Dense), dim)
		}
	}
	return dim, nil
}

func (s *Store) commit(op string, next *snapshot) error {
	start := time.Now()
	next.generation = s.current().generation + 1
	name, err := writeGeneration(s.dir, next, s.beforeCommit)
	took := time.Since(start)
	if s.observer != nil {
		s.observer.ObserveCommit(op, next.state.ChunkCount, took, err)
	}
	switch {
	case errors.Is(err, errPointerNotSynced):
		s.logger.Warn("index_commit_unsynced", "operation", op, "generation", next.generation, "error", err)
	case err != nil:
		s.logger.Error("index_commit_failed", "operation", op, "error", err)
		return domain.WrapError(domain.ErrIndexWrite, op, err)
	}

	s.mu.Lock()
	s.snap = next
	s.mu.Unlock()

	if err := removeStale(s.dir, name); err != nil {
		s.logger.Warn("index_cleanup_failed", "error", err)
	}
	s.logger.Info("index_commit",
		"operation", op,
		"generation", next.generation,
		"chunks", next.state.ChunkCount,
		"duration_ms", took.Milliseconds(),
	)
	return nil
}

func texts(chunks []domain.Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}
