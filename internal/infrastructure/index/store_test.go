package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
	"github.com/kirillkom/docsearch/internal/infrastructure/embedding/tfidf"
)

var keywords = []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta", "eta", "theta"}

// fakeDense counts keyword occurrences; "vec:<n>" texts map to a seeded random vector.
type fakeDense struct {
	model string
	dim   int
	calls int
}

func (f *fakeDense) Mode() domain.IndexMode { return domain.ModeDense }
func (f *fakeDense) Identity() string       { return "fake:" + f.model }
func (f *fakeDense) Fit(context.Context, []string) (ports.EmbeddingProvider, error) {
	return f, nil
}

func (f *fakeDense) Embed(_ context.Context, texts []string) ([]domain.Vector, error) {
	f.calls++
	dim := f.dim
	if dim == 0 {
		dim = len(keywords)
	}
	out := make([]domain.Vector, 0, len(texts))
	for _, text := range texts {
		vec := make([]float32, dim)
		var seed int64
		if _, err := fmt.Sscanf(text, "vec:%d", &seed); err == nil {
			rng := rand.New(rand.NewSource(seed))
			for i := range vec {
				vec[i] = float32(rng.NormFloat64())
			}
		} else {
			for i, kw := range keywords {
				if i < dim {
					vec[i] = float32(strings.Count(strings.ToLower(text), kw))
				}
			}
			vec[dim-1] += 0.01
		}
		out = append(out, domain.DenseVector(vec))
	}
	return out, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T, dir string, provider ports.EmbeddingProvider, autoRebuild bool) *Store {
	t.Helper()
	s, err := Open(context.Background(), provider, Options{
		Dir:         dir,
		MaxK:        6,
		AutoRebuild: autoRebuild,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func inputs(texts ...string) []domain.ChunkInput {
	out := make([]domain.ChunkInput, len(texts))
	for i, text := range texts {
		out[i] = domain.ChunkInput{Text: text, Span: domain.CharSpan{Start: i * 10, End: i*10 + len(text)}}
	}
	return out
}

func query(t *testing.T, s *Store, text string, k int) []domain.RetrievalResult {
	t.Helper()
	p := s.Provider()
	vecs, err := p.Embed(context.Background(), []string{text})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	res, err := s.Query(context.Background(), p.Identity(), vecs[0], k)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	return res
}

func TestAddAndQueryDense(t *testing.T) {
	s := openStore(t, t.TempDir(), &fakeDense{model: "a"}, false)

	if n, err := s.AddChunks(context.Background(), "a.txt", inputs("alpha alpha", "alpha beta"), false); err != nil || n != 2 {
		t.Fatalf("AddChunks() = %d, %v", n, err)
	}
	if _, err := s.AddChunks(context.Background(), "b.txt", inputs("gamma", "delta gamma"), false); err != nil {
		t.Fatalf("AddChunks() error = %v", err)
	}

	res := query(t, s, "alpha", 3)
	if len(res) != 3 {
		t.Fatalf("expected 3 results, got %d", len(res))
	}
	if res[0].Source != "a.txt" || res[0].Text != "alpha alpha" {
		t.Fatalf("unexpected top result: %+v", res[0])
	}
	for i := range res {
		if res[i].Rank != i+1 {
			t.Fatalf("rank %d at position %d", res[i].Rank, i)
		}
		if i > 0 && res[i].Score > res[i-1].Score {
			t.Fatalf("scores not descending: %+v", res)
		}
	}

	st := s.State()
	if st.ChunkCount != 4 || st.Dimension != len(keywords) || st.Mode != domain.ModeDense {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestQueryClampsK(t *testing.T) {
	s := openStore(t, t.TempDir(), &fakeDense{model: "a"}, false)
	_, _ = s.AddChunks(context.Background(), "a", inputs("alpha", "beta", "gamma", "delta", "epsilon", "zeta", "eta", "theta"), false)

	cases := []struct {
		k    int
		want int
	}{
		{k: 0, want: 1},
		{k: -3, want: 1},
		{k: 4, want: 4},
		{k: 50, want: 6},
	}
	for _, tc := range cases {
		if got := len(query(t, s, "alpha", tc.k)); got != tc.want {
			t.Fatalf("k=%d: expected %d results, got %d", tc.k, tc.want, got)
		}
	}

	small := openStore(t, t.TempDir(), &fakeDense{model: "a"}, false)
	_, _ = small.AddChunks(context.Background(), "a", inputs("alpha", "beta"), false)
	if got := len(query(t, small, "alpha", 5)); got != 2 {
		t.Fatalf("expected k clamped to chunk count 2, got %d", got)
	}
}

func TestQueryTieBreaksByOrdinalThenID(t *testing.T) {
	s := openStore(t, t.TempDir(), &fakeDense{model: "a"}, false)
	_, _ = s.AddChunks(context.Background(), "x", inputs("beta", "alpha"), false)
	_, _ = s.AddChunks(context.Background(), "y", inputs("alpha"), false)

	res := query(t, s, "alpha", 3)
	// "y" chunk 0 and "x" chunk 1 tie on score; lower ordinal wins.
	if res[0].Source != "y" || res[1].Source != "x" || res[1].Ordinal != 1 {
		t.Fatalf("unexpected order: %+v", res)
	}

	again := query(t, s, "alpha", 3)
	for i := range res {
		if res[i].ChunkID != again[i].ChunkID {
			t.Fatalf("ordering is not deterministic: %+v vs %+v", res, again)
		}
	}
}

func TestEmptyIndexReturnsEmptyResult(t *testing.T) {
	for _, provider := range []ports.EmbeddingProvider{&fakeDense{model: "a"}, tfidf.New()} {
		s := openStore(t, t.TempDir(), provider, false)
		if res := query(t, s, "anything", 4); len(res) != 0 {
			t.Fatalf("%s: expected empty result, got %+v", provider.Mode(), res)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name     string
		provider func() ports.EmbeddingProvider
	}{
		{name: "dense", provider: func() ports.EmbeddingProvider { return &fakeDense{model: "a"} }},
		{name: "sparse", provider: func() ports.EmbeddingProvider { return tfidf.New() }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			s := openStore(t, dir, tc.provider(), false)
			_, _ = s.AddChunks(context.Background(), "a", inputs("alpha beta", "gamma delta"), false)
			_, _ = s.AddChunks(context.Background(), "b", inputs("alpha zeta"), false)
			before := query(t, s, "alpha", 3)
			state := s.State()
			if err := s.Save(context.Background()); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			_ = s.Close()

			reopened := openStore(t, dir, tc.provider(), false)
			if reopened.State() != state {
				t.Fatalf("state changed: %+v vs %+v", reopened.State(), state)
			}
			after := query(t, reopened, "alpha", 3)
			if len(after) != len(before) {
				t.Fatalf("result count changed: %d vs %d", len(after), len(before))
			}
			for i := range before {
				if before[i].ChunkID != after[i].ChunkID || before[i].Text != after[i].Text {
					t.Fatalf("result %d changed: %+v vs %+v", i, before[i], after[i])
				}
			}
		})
	}
}

func TestChunkIDsAreNeverReused(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, &fakeDense{model: "a"}, false)
	_, _ = s.AddChunks(context.Background(), "a", inputs("alpha", "beta"), false)
	if n, err := s.Delete(context.Background(), domain.DeleteBySource("a")); err != nil || n != 2 {
		t.Fatalf("Delete() = %d, %v", n, err)
	}
	_ = s.Close()

	s = openStore(t, dir, &fakeDense{model: "a"}, false)
	_, _ = s.AddChunks(context.Background(), "b", inputs("gamma"), false)
	if got := s.Sample(0)[0].ID; got != firstChunkID+2 {
		t.Fatalf("expected id %d, got %d", firstChunkID+2, got)
	}
}

func TestFailedCommitKeepsPriorState(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, &fakeDense{model: "a"}, false)
	_, _ = s.AddChunks(context.Background(), "a", inputs("alpha"), false)
	before := s.State()

	s.beforeCommit = func(string) error { return errors.New("disk full") }
	_, err := s.AddChunks(context.Background(), "b", inputs("beta", "gamma"), false)
	if !domain.IsKind(err, domain.ErrIndexWrite) {
		t.Fatalf("expected ErrIndexWrite, got %v", err)
	}
	if s.State() != before {
		t.Fatalf("in-memory state changed after failed commit: %+v", s.State())
	}
	if n, err := s.Delete(context.Background(), domain.DeleteBySource("a")); !domain.IsKind(err, domain.ErrIndexWrite) || n != 0 {
		t.Fatalf("Delete() = %d, %v", n, err)
	}
	_ = s.Close()

	entries, _ := os.ReadDir(dir)
	gens := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), genPrefix) {
			gens++
		}
		if strings.HasPrefix(e.Name(), tmpPrefix) {
			t.Fatalf("staging dir left behind: %s", e.Name())
		}
	}
	if gens != 1 {
		t.Fatalf("expected one generation on disk, got %d", gens)
	}

	reopened := openStore(t, dir, &fakeDense{model: "a"}, false)
	if reopened.State() != before {
		t.Fatalf("persisted state changed: %+v vs %+v", reopened.State(), before)
	}
}

func TestUnsyncedPointerKeepsLiveGeneration(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, &fakeDense{model: "a"}, false)
	_, _ = s.AddChunks(context.Background(), "a", inputs("alpha"), false)

	restore := syncPointerDir
	syncPointerDir = func(string) error { return errors.New("fsync: input/output error") }
	t.Cleanup(func() { syncPointerDir = restore })

	if _, err := s.AddChunks(context.Background(), "b", inputs("beta"), false); err != nil {
		t.Fatalf("AddChunks() error = %v", err)
	}
	if got := s.State().ChunkCount; got != 2 {
		t.Fatalf("expected in-memory state to follow CURRENT, got %d chunks", got)
	}
	syncPointerDir = restore
	_ = s.Close()

	reopened := openStore(t, dir, &fakeDense{model: "a"}, false)
	if got := reopened.State().ChunkCount; got != 2 {
		t.Fatalf("expected reopened index with 2 chunks, got %d", got)
	}
	if _, err := reopened.AddChunks(context.Background(), "c", inputs("gamma"), false); err != nil {
		t.Fatalf("AddChunks() after reopen error = %v", err)
	}
}

func TestDeleteBySourceAndID(t *testing.T) {
	s := openStore(t, t.TempDir(), tfidf.New(), false)
	_, _ = s.AddChunks(context.Background(), "a", inputs("alpha beta", "alpha gamma"), false)
	_, _ = s.AddChunks(context.Background(), "b", inputs("alpha delta"), false)

	n, err := s.Delete(context.Background(), domain.DeleteBySource("a"))
	if err != nil || n != 2 {
		t.Fatalf("Delete(source) = %d, %v", n, err)
	}
	for _, r := range query(t, s, "alpha", 6) {
		if r.Source == "a" {
			t.Fatalf("deleted source still returned: %+v", r)
		}
	}

	if n, _ := s.Delete(context.Background(), domain.DeleteBySource("missing")); n != 0 {
		t.Fatalf("expected 0 for unknown source, got %d", n)
	}
	id := s.Sample(1)[0].ID
	if n, _ := s.Delete(context.Background(), domain.DeleteByID(id)); n != 1 {
		t.Fatalf("expected 1 deleted by id, got %d", n)
	}
	if n, _ := s.Delete(context.Background(), domain.DeleteByID(id)); n != 0 {
		t.Fatalf("expected repeated delete to match nothing, got %d", n)
	}
	if s.State().ChunkCount != 0 || len(s.ListSources()) != 0 {
		t.Fatalf("expected empty index, got %+v", s.State())
	}
}

func TestReplaceSourceSwapsChunks(t *testing.T) {
	s := openStore(t, t.TempDir(), &fakeDense{model: "a"}, false)
	_, _ = s.AddChunks(context.Background(), "a", inputs("alpha", "beta"), false)
	_, _ = s.AddChunks(context.Background(), "a", inputs("gamma"), false)

	sources := s.ListSources()
	if len(sources) != 1 || sources[0].ChunkCount != 3 {
		t.Fatalf("expected duplicate ingest to append, got %+v", sources)
	}

	n, err := s.AddChunks(context.Background(), "a", inputs("delta"), true)
	if err != nil || n != 1 {
		t.Fatalf("AddChunks(replace) = %d, %v", n, err)
	}
	chunks := s.Sample(0)
	if len(chunks) != 1 || chunks[0].Text != "delta" || chunks[0].Ordinal != 0 {
		t.Fatalf("unexpected chunks after replace: %+v", chunks)
	}
}

func TestSparseRefitInvalidatesOldIdentity(t *testing.T) {
	s := openStore(t, t.TempDir(), tfidf.New(), false)
	_, _ = s.AddChunks(context.Background(), "a", inputs("alpha beta"), false)

	old := s.Provider()
	vecs, _ := old.Embed(context.Background(), []string{"alpha"})
	_, _ = s.AddChunks(context.Background(), "b", inputs("gamma delta"), false)

	_, err := s.Query(context.Background(), old.Identity(), vecs[0], 2)
	if !domain.IsKind(err, domain.ErrProviderChanged) {
		t.Fatalf("expected ErrProviderChanged, got %v", err)
	}
	if s.State().Dimension != 4 {
		t.Fatalf("expected vocabulary of 4 terms, got %d", s.State().Dimension)
	}
}

func TestQueryDimensionMismatch(t *testing.T) {
	s := openStore(t, t.TempDir(), &fakeDense{model: "a"}, false)
	_, _ = s.AddChunks(context.Background(), "a", inputs("alpha"), false)

	_, err := s.Query(context.Background(), s.Provider().Identity(), domain.DenseVector([]float32{1, 2}), 1)
	if !domain.IsKind(err, domain.ErrIndexInconsistent) {
		t.Fatalf("expected ErrIndexInconsistent, got %v", err)
	}
	_, err = s.Query(context.Background(), s.Provider().Identity(), domain.SparseVectorOf([]int32{0}, []float32{1}), 1)
	if !domain.IsKind(err, domain.ErrIndexInconsistent) {
		t.Fatalf("expected ErrIndexInconsistent for mode mismatch, got %v", err)
	}
}

func TestAddRejectsDimensionChange(t *testing.T) {
	provider := &fakeDense{model: "a"}
	s := openStore(t, t.TempDir(), provider, false)
	_, _ = s.AddChunks(context.Background(), "a", inputs("alpha"), false)

	provider.dim = 4
	_, err := s.AddChunks(context.Background(), "b", inputs("beta"), false)
	if !domain.IsKind(err, domain.ErrIndexInconsistent) {
		t.Fatalf("expected ErrIndexInconsistent, got %v", err)
	}
	if s.State().ChunkCount != 1 {
		t.Fatalf("expected state unchanged, got %+v", s.State())
	}
}

func TestOpenWithDifferentModel(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, &fakeDense{model: "a"}, false)
	_, _ = s.AddChunks(context.Background(), "a", inputs("alpha", "beta"), false)
	_ = s.Close()

	_, err := Open(context.Background(), &fakeDense{model: "b"}, Options{Dir: dir, Logger: quietLogger()})
	if !domain.IsKind(err, domain.ErrIndexInconsistent) {
		t.Fatalf("expected ErrIndexInconsistent, got %v", err)
	}

	rebuilt := openStore(t, dir, tfidf.New(), true)
	st := rebuilt.State()
	if st.Mode != domain.ModeSparse || st.ChunkCount != 2 || !strings.HasPrefix(st.ModelIdentity, "tfidf:") {
		t.Fatalf("unexpected rebuilt state: %+v", st)
	}
	if res := query(t, rebuilt, "beta", 1); res[0].Text != "beta" {
		t.Fatalf("unexpected result after rebuild: %+v", res)
	}
}

func TestOpenRejectsInconsistentArtifacts(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, &fakeDense{model: "a"}, false)
	_, _ = s.AddChunks(context.Background(), "a", inputs("alpha", "beta"), false)
	_ = s.Close()

	name, err := readCurrent(dir)
	if err != nil {
		t.Fatalf("readCurrent() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name, textsFile), []byte(`["alpha"]`), 0o644); err != nil {
		t.Fatalf("write texts: %v", err)
	}
	_, err = Open(context.Background(), &fakeDense{model: "a"}, Options{Dir: dir, Logger: quietLogger()})
	if !domain.IsKind(err, domain.ErrIndexInconsistent) {
		t.Fatalf("expected ErrIndexInconsistent, got %v", err)
	}
}

func TestOpenRemovesStaleStagingDirs(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, tmpPrefix+"leftover")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatal(err)
	}
	_ = openStore(t, dir, &fakeDense{model: "a"}, false)
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected staging dir removed, stat err = %v", err)
	}
}

func TestANNFindsExactNeighbour(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, &fakeDense{model: "rand", dim: 16}, false)
	texts := make([]string, 200)
	for i := range texts {
		texts[i] = fmt.Sprintf("vec:%d", i+1)
	}
	if _, err := s.AddChunks(context.Background(), "rand", inputs(texts...), false); err != nil {
		t.Fatalf("AddChunks() error = %v", err)
	}

	res := query(t, s, "vec:42", 3)
	if res[0].Text != "vec:42" {
		t.Fatalf("expected exact neighbour first, got %+v", res[0])
	}
	if res[0].Score < 0.999 {
		t.Fatalf("expected cosine ~1, got %f", res[0].Score)
	}
	_ = s.Close()

	reopened := openStore(t, dir, &fakeDense{model: "rand", dim: 16}, false)
	if res := query(t, reopened, "vec:42", 1); res[0].Text != "vec:42" {
		t.Fatalf("expected exact neighbour after reload, got %+v", res[0])
	}
}

func TestANNTiesAboveScanThresholdPreferLowestOrdinal(t *testing.T) {
	s := openStore(t, t.TempDir(), &fakeDense{model: "a"}, false)
	texts := make([]string, 300)
	for i := range texts {
		texts[i] = "alpha"
	}
	if _, err := s.AddChunks(context.Background(), "same", inputs(texts...), false); err != nil {
		t.Fatalf("AddChunks() error = %v", err)
	}

	for trial := 0; trial < 5; trial++ {
		res := query(t, s, "alpha", 3)
		for i, r := range res {
			if r.Ordinal != i || r.ChunkID != uint64(i+1) {
				t.Fatalf("trial %d: expected ordinals 0..2 with ids 1..3, got %+v", trial, res)
			}
		}
	}
}

func TestANNTiedDuplicatesFollowOrdinalThenID(t *testing.T) {
	s := openStore(t, t.TempDir(), &fakeDense{model: "rand", dim: 16}, false)
	texts := make([]string, 200)
	for i := range texts {
		texts[i] = fmt.Sprintf("vec:%d", i+1)
	}
	// Ingesting the same source twice appends identical vectors.
	for pass := 0; pass < 2; pass++ {
		if _, err := s.AddChunks(context.Background(), "rand", inputs(texts...), false); err != nil {
			t.Fatalf("AddChunks() error = %v", err)
		}
	}

	res := query(t, s, "vec:42", 2)
	if len(res) != 2 || res[0].ChunkID != 42 || res[1].ChunkID != 242 {
		t.Fatalf("expected duplicate pair ids 42 then 242, got %+v", res)
	}
	if res[0].Ordinal != 41 || res[1].Ordinal != 241 {
		t.Fatalf("unexpected ordinals: %+v", res)
	}
}

func TestBlankInputsAreSkipped(t *testing.T) {
	s := openStore(t, t.TempDir(), &fakeDense{model: "a"}, false)
	n, err := s.AddChunks(context.Background(), "a", inputs("  ", ""), false)
	if err != nil || n != 0 {
		t.Fatalf("AddChunks() = %d, %v", n, err)
	}
	if _, err := s.AddChunks(context.Background(), " ", inputs("alpha"), false); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank source, got %v", err)
	}
}
