// Package tfidf is the sparse embedding provider: a TF-IDF vectorizer fitted
// over the whole indexed corpus.
package tfidf

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
)

const identityPrefix = "tfidf:"

// Same token rule as scikit-learn's default token_pattern, Unicode aware.
var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]{2,}`)

// Vectorizer is immutable after Fit; re-fitting produces a new instance.
type Vectorizer struct {
	vocabulary  map[string]int32
	terms       []string
	idf         []float64
	fingerprint string
}

// State is the serialisable form of a fitted vectorizer.
type State struct {
	Terms []string  `json:"terms"`
	IDF   []float64 `json:"idf"`
}

func New() *Vectorizer {
	return &Vectorizer{vocabulary: map[string]int32{}, fingerprint: "unfitted"}
}

// FromState restores a vectorizer persisted with State.
func FromState(st State) (*Vectorizer, error) {
	if len(st.Terms) != len(st.IDF) {
		return nil, fmt.Errorf("tfidf state: %d terms, %d idf values", len(st.Terms), len(st.IDF))
	}
	v := &Vectorizer{
		vocabulary: make(map[string]int32, len(st.Terms)),
		terms:      append([]string(nil), st.Terms...),
		idf:        append([]float64(nil), st.IDF...),
	}
	for i, term := range v.terms {
		if i > 0 && v.terms[i-1] >= term {
			return nil, fmt.Errorf("tfidf state: terms not strictly sorted at %d", i)
		}
		v.vocabulary[term] = int32(i)
	}
	v.fingerprint = fingerprint(v.terms, v.idf)
	return v, nil
}

func (v *Vectorizer) State() State {
	return State{
		Terms: append([]string(nil), v.terms...),
		IDF:   append([]float64(nil), v.idf...),
	}
}

func (v *Vectorizer) Mode() domain.IndexMode { return domain.ModeSparse }

func (v *Vectorizer) Identity() string { return identityPrefix + v.fingerprint }

// Dimension is the vocabulary size.
func (v *Vectorizer) Dimension() int { return len(v.terms) }

func (v *Vectorizer) Fit(ctx context.Context, corpus []string) (ports.EmbeddingProvider, error) {
	df := make(map[string]int)
	for i, text := range corpus {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		seen := make(map[string]struct{})
		for _, tok := range Tokenize(text) {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			df[tok]++
		}
	}

	terms := make([]string, 0, len(df))
	for term := range df {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	n := float64(len(corpus))
	idf := make([]float64, len(terms))
	for i, term := range terms {
		idf[i] = math.Log((1+n)/(1+float64(df[term]))) + 1.0
	}
	return FromState(State{Terms: terms, IDF: idf})
}

func (v *Vectorizer) Embed(ctx context.Context, texts []string) ([]domain.Vector, error) {
	out := make([]domain.Vector, 0, len(texts))
	for i, text := range texts {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		out = append(out, v.embedOne(text))
	}
	return out, nil
}

func (v *Vectorizer) embedOne(text string) domain.Vector {
	counts := make(map[int32]float64)
	for _, tok := range Tokenize(text) {
		if idx, ok := v.vocabulary[tok]; ok {
			counts[idx]++
		}
	}
	if len(counts) == 0 {
		return domain.SparseVectorOf(nil, nil)
	}

	indices := make([]int32, 0, len(counts))
	for idx := range counts {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	weights := make([]float64, len(indices))
	norm := 0.0
	for i, idx := range indices {
		w := counts[idx] * v.idf[idx]
		weights[i] = w
		norm += w * w
	}
	norm = math.Sqrt(norm)

	values := make([]float32, len(indices))
	for i, w := range weights {
		if norm > 0 {
			w /= norm
		}
		values[i] = float32(w)
	}
	return domain.SparseVectorOf(indices, values)
}

// Tokenize lowercases text and returns word tokens of at least two characters.
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

func fingerprint(terms []string, idf []float64) string {
	h := sha256.New()
	var buf [8]byte
	for i, term := range terms {
		_, _ = h.Write([]byte(term))
		_, _ = h.Write([]byte{0})
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(idf[i]))
		_, _ = h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
