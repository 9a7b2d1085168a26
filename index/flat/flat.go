// Package flat provides an exact nearest-neighbor index backed by a linear
// scan over all stored vectors.
package flat

import (
	"container/heap"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/mediasense/embedstore/distance"
	"github.com/mediasense/embedstore/index"
	"github.com/mediasense/embedstore/internal/queue"
)

// Compile-time check to ensure Flat satisfies the index contract.
var _ index.Index = (*Flat)(nil)

// Options contains configuration options for the flat index.
type Options struct {
	// Dimension is the fixed vector dimensionality for this index.
	// It must be > 0 and is enforced for all adds and searches.
	Dimension int
}

// Flat is an exact index. Every search scans all live vectors, so recall is
// always 100%; suitable for collections that fit a linear scan budget.
type Flat struct {
	mu        sync.RWMutex
	dimension int
	vectors   [][]float32 // dense by position; nil entries are tombstones
	live      int64
}

// New creates a new flat index.
func New(dimension int, optFns ...func(o *Options)) (*Flat, error) {
	opts := Options{Dimension: dimension}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, index.ErrNotInitialized
	}

	return &Flat{dimension: opts.Dimension}, nil
}

// Kind implements index.Index.
func (f *Flat) Kind() index.Kind { return index.KindFlat }

// Dimension implements index.Index.
func (f *Flat) Dimension() int { return f.dimension }

// Size returns the number of live vectors.
func (f *Flat) Size() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.live
}

// Add appends a batch of vectors and returns the first assigned position.
func (f *Flat) Add(vectors [][]float32) (int64, error) {
	if err := index.ValidateBatch(f.dimension, vectors); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	first := int64(len(f.vectors))
	for _, v := range vectors {
		cp := make([]float32, len(v))
		copy(cp, v)
		f.vectors = append(f.vectors, cp)
	}
	f.live += int64(len(vectors))

	return first, nil
}

// Search scans all live vectors and returns the k nearest, padded with
// sentinel slots when fewer than k are held.
func (f *Flat) Search(query []float32, k int) ([]index.Result, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}
	if len(query) != f.dimension {
		return nil, &index.ErrDimensionMismatch{Expected: f.dimension, Actual: len(query)}
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	// Max-heap of the best k candidates seen so far.
	pq := &queue.PriorityQueue{Descending: true}
	heap.Init(pq)

	for pos, v := range f.vectors {
		if v == nil {
			continue
		}
		d := distance.SquaredL2(query, v)
		if pq.Len() < k {
			heap.Push(pq, queue.Item{Position: int64(pos), Distance: d})
		} else if d < pq.Top().Distance {
			heap.Pop(pq)
			heap.Push(pq, queue.Item{Position: int64(pos), Distance: d})
		}
	}

	results := make([]index.Result, 0, k)
	for pq.Len() > 0 {
		item := heap.Pop(pq).(queue.Item)
		results = append(results, index.Result{Position: item.Position, Distance: item.Distance})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })

	return index.PadResults(results, k), nil
}

// Reconstruct returns a copy of the vector stored at position.
func (f *Flat) Reconstruct(position int64) ([]float32, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if position < 0 || position >= int64(len(f.vectors)) {
		return nil, &index.ErrPositionNotFound{Position: position}
	}
	v := f.vectors[position]
	if v == nil {
		return nil, &index.ErrPositionDeleted{Position: position}
	}

	cp := make([]float32, len(v))
	copy(cp, v)
	return cp, nil
}

// Remove tombstones the vector at position.
func (f *Flat) Remove(position int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if position < 0 || position >= int64(len(f.vectors)) {
		return &index.ErrPositionNotFound{Position: position}
	}
	if f.vectors[position] == nil {
		return &index.ErrPositionDeleted{Position: position}
	}

	f.vectors[position] = nil
	f.live--
	return nil
}

// SaveTo serializes the flat payload: dimension, slot count, then per slot a
// presence byte followed by the vector components in little-endian order.
func (f *Flat) SaveTo(w io.Writer) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if err := binary.Write(w, binary.LittleEndian, uint32(f.dimension)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(f.vectors))); err != nil {
		return err
	}

	for _, v := range f.vectors {
		if v == nil {
			if err := binary.Write(w, binary.LittleEndian, uint8(0)); err != nil {
				return err
			}
			continue
		}
		if err := binary.Write(w, binary.LittleEndian, uint8(1)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	return nil
}

// LoadFrom replaces the index contents with a payload written by SaveTo.
func (f *Flat) LoadFrom(r io.Reader) error {
	var dim uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("flat: read dimension: %w", err)
	}
	if int(dim) != f.dimension {
		return &index.ErrDimensionMismatch{Expected: f.dimension, Actual: int(dim)}
	}

	var slots uint64
	if err := binary.Read(r, binary.LittleEndian, &slots); err != nil {
		return fmt.Errorf("flat: read slot count: %w", err)
	}

	vectors := make([][]float32, 0, slots)
	var live int64
	for i := uint64(0); i < slots; i++ {
		var present uint8
		if err := binary.Read(r, binary.LittleEndian, &present); err != nil {
			return fmt.Errorf("flat: read slot %d: %w", i, err)
		}
		if present == 0 {
			vectors = append(vectors, nil)
			continue
		}
		v := make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("flat: read vector %d: %w", i, err)
		}
		vectors = append(vectors, v)
		live++
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors = vectors
	f.live = live

	return nil
}
