package index

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/infrastructure/embedding/tfidf"
)

const (
	formatVersion = 1

	currentFile    = "CURRENT"
	manifestFile   = "manifest.json"
	chunksFile     = "chunks.json"
	textsFile      = "texts.json"
	vectorsFile    = "vectors.gob"
	similarityFile = "similarity.bin"

	genPrefix = "gen-"
	tmpPrefix = "tmp-"
)

type manifest struct {
	FormatVersion int               `json:"format_version"`
	Generation    uint64            `json:"generation"`
	State         domain.IndexState `json:"state"`
	NextID        uint64            `json:"next_id"`
	Backend       string            `json:"backend"`
	CreatedAt     time.Time         `json:"created_at"`
}

type vectorSet struct {
	Mode       domain.IndexMode
	IDs        []uint64
	Dense      [][]float32
	Sparse     []domain.SparseVector
	Vectorizer *tfidf.State
}

func generationName(gen uint64) string {
	return fmt.Sprintf("%s%08d", genPrefix, gen)
}

// writeGeneration stages every artifact of snap in a temporary directory,
// renames it into place and then flips CURRENT. hook runs after the rename
// and before the pointer swap; an error there discards the generation.
func writeGeneration(dir string, snap *snapshot, hook func(genDir string) error) (string, error) {
	staging := filepath.Join(dir, tmpPrefix+uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	if err := writeArtifacts(staging, snap); err != nil {
		return "", err
	}
	if err := syncDir(staging); err != nil {
		return "", err
	}

	name := generationName(snap.generation)
	final := filepath.Join(dir, name)
	if err := os.RemoveAll(final); err != nil {
		return "", fmt.Errorf("clear stale generation %s: %w", name, err)
	}
	if err := os.Rename(staging, final); err != nil {
		return "", fmt.Errorf("rename staging dir: %w", err)
	}
	committed = true
	if err := syncDir(dir); err != nil {
		_ = os.RemoveAll(final)
		return "", err
	}

	if hook != nil {
		if err := hook(final); err != nil {
			_ = os.RemoveAll(final)
			return "", err
		}
	}
	swapped, err := writeCurrent(dir, name)
	if err != nil {
		if !swapped {
			_ = os.RemoveAll(final)
			return "", err
		}
		// CURRENT already names the new generation, so it must stay.
		return name, fmt.Errorf("%w: %v", errPointerNotSynced, err)
	}
	return name, nil
}

func writeArtifacts(dir string, snap *snapshot) error {
	m := manifest{
		FormatVersion: formatVersion,
		Generation:    snap.generation,
		State:         snap.state,
		NextID:        snap.nextID,
		Backend:       snap.backend.name(),
		CreatedAt:     time.Now().UTC(),
	}
	texts := make([]string, len(snap.chunks))
	for i, c := range snap.chunks {
		texts[i] = c.Text
	}

	vs, err := snap.vectorSet()
	if err != nil {
		return err
	}

	writers := []struct {
		name  string
		write func(io.Writer) error
	}{
		{manifestFile, jsonWriter(m)},
		{chunksFile, jsonWriter(snap.chunks)},
		{textsFile, jsonWriter(texts)},
		{vectorsFile, func(w io.Writer) error { return gob.NewEncoder(w).Encode(vs) }},
		{similarityFile, snap.backend.encode},
	}
	for _, item := range writers {
		if err := writeFileSync(filepath.Join(dir, item.name), item.write); err != nil {
			return fmt.Errorf("write %s: %w", item.name, err)
		}
	}
	return nil
}

func jsonWriter(v any) func(io.Writer) error {
	return func(w io.Writer) error {
		return json.NewEncoder(w).Encode(v)
	}
}

func writeFileSync(path string, write func(io.Writer) error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// errPointerNotSynced means CURRENT was swapped but the directory entry
// could not be flushed. The new generation is live.
var errPointerNotSynced = errors.New("current pointer swapped but not synced")

// syncPointerDir flushes the directory holding CURRENT. Tests replace it.
var syncPointerDir = syncDir

// writeCurrent reports whether the pointer rename happened, even on error.
func writeCurrent(dir, name string) (bool, error) {
	tmp := filepath.Join(dir, currentFile+".tmp")
	if err := writeFileSync(tmp, func(w io.Writer) error {
		_, err := io.WriteString(w, name+"\n")
		return err
	}); err != nil {
		_ = os.Remove(tmp)
		return false, fmt.Errorf("write current pointer: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, currentFile)); err != nil {
		_ = os.Remove(tmp)
		return false, fmt.Errorf("swap current pointer: %w", err)
	}
	return true, syncPointerDir(dir)
}

func readCurrent(dir string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, currentFile))
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(name, genPrefix) || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("current pointer %q is not a generation", name)
	}
	return name, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}

// removeStale deletes every generation other than keep and leftover staging dirs.
func removeStale(dir, keep string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || e.Name() == keep {
			continue
		}
		if strings.HasPrefix(e.Name(), genPrefix) || strings.HasPrefix(e.Name(), tmpPrefix) {
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

type loadedGeneration struct {
	manifest manifest
	chunks   []domain.Chunk
	vectors  vectorSet
	rows     []domain.Vector
	backend  backend
}

// readGeneration loads one generation and checks that its artifacts describe
// the same chunk set.
func readGeneration(dir, name string) (*loadedGeneration, error) {
	genDir := filepath.Join(dir, name)
	var out loadedGeneration
	var texts []string

	if err := readJSON(filepath.Join(genDir, manifestFile), &out.manifest); err != nil {
		return nil, err
	}
	m := out.manifest
	if m.FormatVersion != formatVersion {
		return nil, fmt.Errorf("unsupported index format %d", m.FormatVersion)
	}
	if name != generationName(m.Generation) {
		return nil, fmt.Errorf("manifest generation %d does not match %s", m.Generation, name)
	}
	if !m.State.Mode.Valid() {
		return nil, fmt.Errorf("unknown index mode %q", m.State.Mode)
	}
	if err := readJSON(filepath.Join(genDir, chunksFile), &out.chunks); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(genDir, textsFile), &texts); err != nil {
		return nil, err
	}
	if err := readGob(filepath.Join(genDir, vectorsFile), &out.vectors); err != nil {
		return nil, err
	}

	n := m.State.ChunkCount
	if len(out.chunks) != n || len(texts) != n || len(out.vectors.IDs) != n {
		return nil, fmt.Errorf("artifact sizes disagree: manifest %d, chunks %d, texts %d, vectors %d",
			n, len(out.chunks), len(texts), len(out.vectors.IDs))
	}
	seen := make(map[uint64]struct{}, n)
	for i := range out.chunks {
		c := &out.chunks[i]
		c.Text = texts[i]
		if c.ID != out.vectors.IDs[i] {
			return nil, fmt.Errorf("chunk %d id %d, vector id %d", i, c.ID, out.vectors.IDs[i])
		}
		if c.ID >= m.NextID {
			return nil, fmt.Errorf("chunk id %d not below next id %d", c.ID, m.NextID)
		}
		if _, dup := seen[c.ID]; dup {
			return nil, fmt.Errorf("duplicate chunk id %d", c.ID)
		}
		seen[c.ID] = struct{}{}
	}

	vectors, err := out.vectors.domainVectors(m.State)
	if err != nil {
		return nil, err
	}
	out.rows = vectors

	raw, err := os.ReadFile(filepath.Join(genDir, similarityFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", similarityFile, err)
	}
	b, err := decodeBackend(m.State.Mode, bytes.NewReader(raw), out.vectors.IDs, vectors)
	if err != nil {
		return nil, err
	}
	if b.name() != m.Backend {
		return nil, fmt.Errorf("manifest backend %q, similarity file holds %q", m.Backend, b.name())
	}
	out.backend = b
	return &out, nil
}

// domainVectors validates stored rows against the manifest state.
func (vs vectorSet) domainVectors(state domain.IndexState) ([]domain.Vector, error) {
	if vs.Mode != state.Mode {
		return nil, fmt.Errorf("vectors mode %s, manifest mode %s", vs.Mode, state.Mode)
	}
	n := len(vs.IDs)
	out := make([]domain.Vector, n)
	switch vs.Mode {
	case domain.ModeDense:
		if len(vs.Dense) != n {
			return nil, fmt.Errorf("dense rows %d, ids %d", len(vs.Dense), n)
		}
		for i, row := range vs.Dense {
			if len(row) != state.Dimension {
				return nil, fmt.Errorf("row %d dimension %d, manifest dimension %d", i, len(row), state.Dimension)
			}
			out[i] = domain.DenseVector(row)
		}
	case domain.ModeSparse:
		if len(vs.Sparse) != n {
			return nil, fmt.Errorf("sparse rows %d, ids %d", len(vs.Sparse), n)
		}
		if vs.Vectorizer == nil {
			return nil, errors.New("sparse index without vectorizer state")
		}
		if len(vs.Vectorizer.Terms) != state.Dimension {
			return nil, fmt.Errorf("vocabulary size %d, manifest dimension %d", len(vs.Vectorizer.Terms), state.Dimension)
		}
		for i, row := range vs.Sparse {
			if len(row.Indices) != len(row.Values) {
				return nil, fmt.Errorf("row %d has %d indices and %d values", i, len(row.Indices), len(row.Values))
			}
			if d := domain.SparseVectorOf(row.Indices, row.Values).Dimension(); d > state.Dimension {
				return nil, fmt.Errorf("row %d references term %d beyond vocabulary", i, d-1)
			}
			out[i] = domain.SparseVectorOf(row.Indices, row.Values)
		}
	}
	return out, nil
}

func readJSON(path string, dst any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readGob(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
