package indexserver

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// flatIndex is a reference Index implementation that stores vectors
// in-memory and serializes them with a trivial binary format. It exists so
// this module and its tests exercise the full wire protocol end-to-end
// without depending on a real ANN graph library, which spec.md §1 places
// outside the core's scope ("does not define the vector index data
// structure"). Production deployments wire a real HNSW/PQ builder through
// the same Index interface.
type flatIndex struct {
	mu       sync.Mutex
	dim      int
	capacity int
	rows     []tupleRow
}

// NewFlatIndexFactory returns an IndexFactory backed by flatIndex.
func NewFlatIndexFactory() IndexFactory {
	return func(params InitParams, codebook []float32) (Index, error) {
		return &flatIndex{dim: int(params.Dim)}, nil
	}
}

func (f *flatIndex) Add(label uint64, vec []float32) error {
	if len(vec) != f.dim {
		return fmt.Errorf("flatindex: expected %d dims, got %d", f.dim, len(vec))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, tupleRow{label: label, vec: vec})
	return nil
}

func (f *flatIndex) Reserve(capacity int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if capacity > f.capacity {
		f.capacity = capacity
	}
	return nil
}

func (f *flatIndex) Capacity() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capacity
}

func (f *flatIndex) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *flatIndex) Dimensions() int {
	return f.dim
}

// Save writes a minimal self-describing format: dim, row count, then
// label+vector per row, all little-endian. Not wire-compatible with any
// production ANN library; callers needing that compatibility supply their
// own Index implementation.
func (f *flatIndex) Save(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	if err := binary.Write(w, binary.LittleEndian, uint32(f.dim)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(f.rows))); err != nil {
		return err
	}
	for _, r := range f.rows {
		if err := binary.Write(w, binary.LittleEndian, r.label); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, r.vec); err != nil {
			return err
		}
	}
	return w.Flush()
}
