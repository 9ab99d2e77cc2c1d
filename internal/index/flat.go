// Package index provides an exact nearest-neighbour index over embedding
// vectors, the map from index ids to stored chunks, and their on-disk form.
package index

import (
	"fmt"
	"slices"
	"sort"

	kberr "github.com/nickcecere/kbase/internal/errors"
)

// Neighbor is a search hit. Distance is the squared Euclidean distance to
// the query; smaller is closer.
type Neighbor struct {
	ID       int64
	Distance float32
}

// Flat is a brute-force L2 index with caller-assigned ids. Vectors are kept
// in insertion order, which also breaks distance ties.
//
// Flat is not safe for concurrent mutation; the owner serializes writers.
type Flat struct {
	dim  int
	ids  []int64
	data []float32
	pos  map[int64]int
}

// NewFlat returns an empty index for vectors of dimension dim.
func NewFlat(dim int) *Flat {
	return &Flat{dim: dim, pos: make(map[int64]int)}
}

func (f *Flat) Dim() int { return f.dim }

func (f *Flat) Len() int { return len(f.ids) }

// IDs returns the ids in insertion order.
func (f *Flat) IDs() []int64 { return slices.Clone(f.ids) }

func (f *Flat) Contains(id int64) bool {
	_, ok := f.pos[id]
	return ok
}

// Vector returns a copy of the stored vector for id.
func (f *Flat) Vector(id int64) ([]float32, bool) {
	i, ok := f.pos[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(f.data[i*f.dim : (i+1)*f.dim]), true
}

// Add appends vectors under the given ids. The call is all-or-nothing:
// any dimension mismatch or duplicate id rejects the whole batch.
func (f *Flat) Add(ids []int64, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return kberr.New(kberr.CodeIndexAddInvalidInput,
			fmt.Sprintf("index add: %d ids for %d vectors", len(ids), len(vectors)))
	}
	seen := make(map[int64]struct{}, len(ids))
	for i, v := range vectors {
		if len(v) != f.dim {
			return kberr.Classify(kberr.ErrDimensionMismatch, kberr.CodeIndexAddInvalidDim, nil,
				fmt.Sprintf("index add: vector %d has dimension %d, index has %d", i, len(v), f.dim))
		}
		if _, dup := f.pos[ids[i]]; dup {
			return kberr.New(kberr.CodeIndexAddInvalidInput, fmt.Sprintf("index add: id %d already present", ids[i]))
		}
		if _, dup := seen[ids[i]]; dup {
			return kberr.New(kberr.CodeIndexAddInvalidInput, fmt.Sprintf("index add: id %d repeated in batch", ids[i]))
		}
		seen[ids[i]] = struct{}{}
	}

	for i, v := range vectors {
		f.pos[ids[i]] = len(f.ids)
		f.ids = append(f.ids, ids[i])
		f.data = append(f.data, v...)
	}
	return nil
}

// Remove drops the given ids and returns how many were present. Survivors
// keep their relative order.
func (f *Flat) Remove(ids []int64) int {
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := f.pos[id]; ok {
			drop[id] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return 0
	}

	w := 0
	for r, id := range f.ids {
		if _, gone := drop[id]; gone {
			delete(f.pos, id)
			continue
		}
		if w != r {
			f.ids[w] = id
			copy(f.data[w*f.dim:(w+1)*f.dim], f.data[r*f.dim:(r+1)*f.dim])
		}
		f.pos[id] = w
		w++
	}
	f.ids = f.ids[:w]
	f.data = f.data[:w*f.dim]
	return len(drop)
}

// Search returns up to n nearest neighbours of query in ascending distance.
// A query of the wrong dimension yields no results.
func (f *Flat) Search(query []float32, n int) []Neighbor {
	if n <= 0 || len(f.ids) == 0 || len(query) != f.dim {
		return nil
	}

	hits := make([]Neighbor, len(f.ids))
	for i, id := range f.ids {
		hits[i] = Neighbor{ID: id, Distance: l2(query, f.data[i*f.dim:(i+1)*f.dim])}
	}
	sort.SliceStable(hits, func(a, b int) bool {
		return hits[a].Distance < hits[b].Distance
	})
	if n < len(hits) {
		hits = hits[:n]
	}
	return hits
}

// Clone returns a deep copy.
func (f *Flat) Clone() *Flat {
	pos := make(map[int64]int, len(f.pos))
	for k, v := range f.pos {
		pos[k] = v
	}
	return &Flat{
		dim:  f.dim,
		ids:  slices.Clone(f.ids),
		data: slices.Clone(f.data),
		pos:  pos,
	}
}

func l2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
