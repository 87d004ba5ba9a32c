package index

import (
	"io"
	"math"
	"sort"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

const (
	backendHNSW     = "hnsw"
	backendPostings = "postings"
)

// candidate is a scored row position in the snapshot's chunk slice.
type candidate struct {
	pos   int
	score float64
}

// backend answers similarity queries over one immutable vector set.
type backend interface {
	name() string
	size() int
	// search returns scored candidates, at least k of them when the set
	// holds that many. Ordering is applied by the caller.
	search(query domain.Vector, k int) []candidate
	encode(w io.Writer) error
}

func newBackend(mode domain.IndexMode, ids []uint64, vectors []domain.Vector) backend {
	if mode == domain.ModeDense {
		return newANNBackend(ids, vectors)
	}
	return newExactBackend(vectors)
}

func decodeBackend(mode domain.IndexMode, r io.Reader, ids []uint64, vectors []domain.Vector) (backend, error) {
	if mode == domain.ModeDense {
		return decodeANNBackend(r, ids, vectors)
	}
	return decodeExactBackend(r, vectors)
}

// clampK bounds k to [1, maxK] and then to the number of stored chunks.
func clampK(k, maxK, n int) int {
	if k < 1 {
		k = 1
	}
	if maxK > 0 && k > maxK {
		k = maxK
	}
	if k > n {
		k = n
	}
	return k
}

// rankCandidates orders by score descending, then lowest ordinal, then lowest id.
func rankCandidates(cands []candidate, chunks []domain.Chunk, k int) []candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.score != b.score {
			return a.score > b.score
		}
		ca, cb := chunks[a.pos], chunks[b.pos]
		if ca.Ordinal != cb.Ordinal {
			return ca.Ordinal < cb.Ordinal
		}
		return ca.ID < cb.ID
	})
	if len(cands) > k {
		cands = cands[:k]
	}
	return cands
}

func denseNorm(v []float32) float64 {
	sum := 0.0
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a, b []float32, normA, normB float64) float64 {
	if normA == 0 || normB == 0 || len(a) != len(b) {
		return 0
	}
	dot := 0.0
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (normA * normB)
}

func sparseNorm(v domain.SparseVector) float64 {
	sum := 0.0
	for _, x := range v.Values {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
