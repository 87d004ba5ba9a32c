package index

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"slices"
	"sort"

	"github.com/coder/hnsw"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

// annMinCandidates is the smallest candidate pool pulled from the graph
// before exact re-scoring. Sets at or below it are scanned exhaustively.
const annMinCandidates = 64

type annBackend struct {
	graph   *hnsw.Graph[uint64]
	vectors [][]float32
	norms   []float64
	pos     map[uint64]int
	// same groups rows by a hash of their vector so duplicates of a
	// returned row can join the candidate pool.
	same map[uint64][]int
}

func newANNBackend(ids []uint64, vectors []domain.Vector) *annBackend {
	b := emptyANN(ids, vectors)
	if len(ids) == 0 {
		return b
	}
	nodes := make([]hnsw.Node[uint64], 0, len(ids))
	for i, id := range ids {
		nodes = append(nodes, hnsw.MakeNode(id, vectors[i].Dense))
	}
	b.graph.Add(nodes...)
	return b
}

func emptyANN(ids []uint64, vectors []domain.Vector) *annBackend {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	b := &annBackend{
		graph:   g,
		vectors: make([][]float32, len(vectors)),
		norms:   make([]float64, len(vectors)),
		pos:     make(map[uint64]int, len(ids)),
		same:    make(map[uint64][]int),
	}
	for i, id := range ids {
		b.pos[id] = i
		b.vectors[i] = vectors[i].Dense
		b.norms[i] = denseNorm(vectors[i].Dense)
		h := vectorHash(vectors[i].Dense)
		b.same[h] = append(b.same[h], i)
	}
	return b
}

func decodeANNBackend(r io.Reader, ids []uint64, vectors []domain.Vector) (*annBackend, error) {
	b := emptyANN(ids, vectors)
	if len(ids) == 0 {
		return b, nil
	}
	if err := b.graph.Import(r); err != nil {
		return nil, fmt.Errorf("import hnsw graph: %w", err)
	}
	if b.graph.Len() != len(ids) {
		return nil, fmt.Errorf("hnsw graph holds %d nodes, index holds %d chunks", b.graph.Len(), len(ids))
	}
	return b, nil
}

func (b *annBackend) name() string { return backendHNSW }

func (b *annBackend) size() int { return len(b.vectors) }

func (b *annBackend) search(query domain.Vector, k int) []candidate {
	n := len(b.vectors)
	if n == 0 || k <= 0 {
		return nil
	}
	qNorm := denseNorm(query.Dense)

	pool := k * 4
	if pool < annMinCandidates {
		pool = annMinCandidates
	}
	if n <= pool {
		return b.scanAll(query.Dense, qNorm)
	}

	nodes := b.graph.Search(query.Dense, pool)
	seen := make(map[int]bool, len(nodes))
	out := make([]candidate, 0, len(nodes))
	for _, node := range nodes {
		i, ok := b.pos[node.Key]
		if !ok || seen[i] {
			continue
		}
		for _, j := range b.duplicates(i) {
			if !seen[j] {
				seen[j] = true
				out = append(out, candidate{pos: j, score: cosine(query.Dense, b.vectors[j], qNorm, b.norms[j])})
			}
		}
	}
	if boundaryTied(out, k) {
		return b.scanAll(query.Dense, qNorm)
	}
	return out
}

func (b *annBackend) scanAll(query []float32, qNorm float64) []candidate {
	out := make([]candidate, len(b.vectors))
	for i := range b.vectors {
		out[i] = candidate{pos: i, score: cosine(query, b.vectors[i], qNorm, b.norms[i])}
	}
	return out
}

// duplicates returns row i and every row holding exactly the same vector.
func (b *annBackend) duplicates(i int) []int {
	group := b.same[vectorHash(b.vectors[i])]
	out := make([]int, 0, len(group))
	for _, j := range group {
		if j == i || slices.Equal(b.vectors[j], b.vectors[i]) {
			out = append(out, j)
		}
	}
	return out
}

// boundaryTied reports whether the pool cannot settle the top k: it is
// short, or its k-th score equals its worst score, so rows left outside
// the pool may tie with the last selected one.
func boundaryTied(cands []candidate, k int) bool {
	if len(cands) < k {
		return true
	}
	scores := make([]float64, len(cands))
	for i, c := range cands {
		scores[i] = c.score
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
	return scores[k-1] <= scores[len(scores)-1]
}

func vectorHash(v []float32) uint64 {
	h := fnv.New64a()
	var buf [4]byte
	for _, x := range v {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(x))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

func (b *annBackend) encode(w io.Writer) error {
	if len(b.vectors) == 0 {
		return nil
	}
	return b.graph.Export(w)
}
