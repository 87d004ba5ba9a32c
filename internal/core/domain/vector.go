package domain

type IndexMode string

const (
	ModeDense  IndexMode = "dense"
	ModeSparse IndexMode = "sparse"
)

func (m IndexMode) Valid() bool {
	return m == ModeDense || m == ModeSparse
}

// SparseVector keeps Indices strictly ascending; Values are parallel.
type SparseVector struct {
	Indices []int32   `json:"indices"`
	Values  []float32 `json:"values"`
}

// Vector is a tagged variant: exactly one of Dense or Sparse is used,
// matching the mode of the index it belongs to.
type Vector struct {
	Mode   IndexMode    `json:"mode"`
	Dense  []float32    `json:"dense,omitempty"`
	Sparse SparseVector `json:"sparse,omitempty"`
}

func DenseVector(values []float32) Vector {
	return Vector{Mode: ModeDense, Dense: values}
}

func SparseVectorOf(indices []int32, values []float32) Vector {
	return Vector{Mode: ModeSparse, Sparse: SparseVector{Indices: indices, Values: values}}
}

// Dimension is the dense length, or the highest referenced term index + 1 for sparse.
func (v Vector) Dimension() int {
	if v.Mode == ModeDense {
		return len(v.Dense)
	}
	if n := len(v.Sparse.Indices); n > 0 {
		return int(v.Sparse.Indices[n-1]) + 1
	}
	return 0
}

// IndexState describes what the persisted vectors are comparable with.
type IndexState struct {
	Mode          IndexMode `json:"mode"`
	ModelIdentity string    `json:"model_identity"`
	ChunkCount    int       `json:"chunk_count"`
	Dimension     int       `json:"dimension"`
}
