package index

import (
	"encoding/gob"
	"fmt"
	"io"
	"slices"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

type posting struct {
	Row    int32
	Weight float32
}

// exactBackend scores every row through term posting lists.
type exactBackend struct {
	postings map[int32][]posting
	norms    []float64
}

type postingsFile struct {
	Rows  int
	Terms []int32
	Lists [][]posting
}

func newExactBackend(vectors []domain.Vector) *exactBackend {
	b := &exactBackend{
		postings: make(map[int32][]posting),
		norms:    make([]float64, len(vectors)),
	}
	for row, v := range vectors {
		b.norms[row] = sparseNorm(v.Sparse)
		for i, term := range v.Sparse.Indices {
			b.postings[term] = append(b.postings[term], posting{Row: int32(row), Weight: v.Sparse.Values[i]})
		}
	}
	return b
}

// decodeExactBackend loads persisted posting lists and checks them against
// the rows they were derived from.
func decodeExactBackend(r io.Reader, vectors []domain.Vector) (*exactBackend, error) {
	var file postingsFile
	if err := gob.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode postings: %w", err)
	}
	if file.Rows != len(vectors) {
		return nil, fmt.Errorf("postings cover %d rows, index holds %d chunks", file.Rows, len(vectors))
	}
	if len(file.Terms) != len(file.Lists) {
		return nil, fmt.Errorf("postings: %d terms, %d lists", len(file.Terms), len(file.Lists))
	}

	want := newExactBackend(vectors)
	if len(want.postings) != len(file.Terms) {
		return nil, fmt.Errorf("postings hold %d terms, vectors reference %d", len(file.Terms), len(want.postings))
	}
	b := &exactBackend{postings: make(map[int32][]posting, len(file.Terms)), norms: want.norms}
	for i, term := range file.Terms {
		list := file.Lists[i]
		if len(list) != len(want.postings[term]) {
			return nil, fmt.Errorf("postings for term %d disagree with vectors", term)
		}
		for _, p := range list {
			if p.Row < 0 || int(p.Row) >= len(vectors) {
				return nil, fmt.Errorf("posting row %d out of range", p.Row)
			}
		}
		b.postings[term] = list
	}
	return b, nil
}

func (b *exactBackend) name() string { return backendPostings }

func (b *exactBackend) size() int { return len(b.norms) }

func (b *exactBackend) search(query domain.Vector, k int) []candidate {
	n := len(b.norms)
	if n == 0 || k <= 0 {
		return nil
	}
	dots := make([]float64, n)
	for i, term := range query.Sparse.Indices {
		qw := float64(query.Sparse.Values[i])
		for _, p := range b.postings[term] {
			dots[p.Row] += qw * float64(p.Weight)
		}
	}
	qNorm := sparseNorm(query.Sparse)
	out := make([]candidate, n)
	for row := range dots {
		score := 0.0
		if qNorm > 0 && b.norms[row] > 0 {
			score = dots[row] / (qNorm * b.norms[row])
		}
		out[row] = candidate{pos: row, score: score}
	}
	return out
}

func (b *exactBackend) encode(w io.Writer) error {
	file := postingsFile{Rows: len(b.norms)}
	for term := range b.postings {
		file.Terms = append(file.Terms, term)
	}
	slices.Sort(file.Terms)
	for _, term := range file.Terms {
		file.Lists = append(file.Lists, b.postings[term])
	}
	return gob.NewEncoder(w).Encode(file)
}
