// Package ivf implements an inverted-file index: a coarse k-means quantizer
// partitions the space into nlist cells and each vector lives in the list of
// its nearest centroid. Searches probe only the nprobe closest cells.
package ivf

import (
	"container/heap"
	"encoding/gob"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/mediasense/embedstore/distance"
	"github.com/mediasense/embedstore/index"
	"github.com/mediasense/embedstore/internal/queue"
)

const (
	// DefaultNLists is the default number of quantizer cells.
	DefaultNLists = 64

	// DefaultNProbe is the default number of cells probed per search.
	DefaultNProbe = 8

	// trainIterations bounds the k-means refinement loop.
	trainIterations = 10
)

// Compile-time check to ensure IVF satisfies the index contract.
var _ index.Index = (*IVF)(nil)

// Options represents the options for configuring the inverted-file index.
type Options struct {
	Dimension int
	NLists    int
	NProbe    int
}

type entry struct {
	Position int64
	Vector   []float32
}

// IVF is an inverted-file index. The quantizer is trained lazily on the
// first added batch; until then the index is empty and searches return only
// sentinel slots.
type IVF struct {
	mu   sync.RWMutex
	opts Options

	centroids [][]float32
	lists     [][]entry
	listOf    map[int64]int // live position -> list
	trained   bool
	nextPos   int64
	live      int64
}

// New creates a new inverted-file index.
func New(dimension int, optFns ...func(o *Options)) (*IVF, error) {
	opts := Options{
		Dimension: dimension,
		NLists:    DefaultNLists,
		NProbe:    DefaultNProbe,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, index.ErrNotInitialized
	}
	if opts.NLists < 1 {
		return nil, fmt.Errorf("ivf: NLists must be at least 1, got %d", opts.NLists)
	}
	if opts.NProbe < 1 {
		opts.NProbe = 1
	}

	return &IVF{
		opts:   opts,
		listOf: make(map[int64]int),
	}, nil
}

// Kind implements index.Index.
func (iv *IVF) Kind() index.Kind { return index.KindIVF }

// Dimension implements index.Index.
func (iv *IVF) Dimension() int { return iv.opts.Dimension }

// Size returns the number of live vectors.
func (iv *IVF) Size() int64 {
	iv.mu.RLock()
	defer iv.mu.RUnlock()
	return iv.live
}

// Add appends a batch of vectors and returns the first assigned position.
// The first batch doubles as the quantizer training set.
func (iv *IVF) Add(vectors [][]float32) (int64, error) {
	if err := index.ValidateBatch(iv.opts.Dimension, vectors); err != nil {
		return 0, err
	}
	if len(vectors) == 0 {
		return 0, fmt.Errorf("ivf: empty batch")
	}

	iv.mu.Lock()
	defer iv.mu.Unlock()

	if !iv.trained {
		iv.train(vectors)
	}

	first := iv.nextPos
	for _, v := range vectors {
		cp := make([]float32, len(v))
		copy(cp, v)

		l := iv.nearestCentroid(cp)
		iv.lists[l] = append(iv.lists[l], entry{Position: iv.nextPos, Vector: cp})
		iv.listOf[iv.nextPos] = l
		iv.nextPos++
		iv.live++
	}

	return first, nil
}

// train runs a bounded k-means over the sample. The cell count is capped at
// the sample size so every centroid is backed by at least one vector.
func (iv *IVF) train(sample [][]float32) {
	nlist := iv.opts.NLists
	if nlist > len(sample) {
		nlist = len(sample)
	}

	centroids := make([][]float32, nlist)
	for i := range centroids {
		centroids[i] = make([]float32, iv.opts.Dimension)
		copy(centroids[i], sample[i*len(sample)/nlist])
	}

	assignment := make([]int, len(sample))
	for iter := 0; iter < trainIterations; iter++ {
		changed := false
		for i, v := range sample {
			best, bestDist := 0, float32(0)
			for c, centroid := range centroids {
				d := distance.SquaredL2(v, centroid)
				if c == 0 || d < bestDist {
					best, bestDist = c, d
				}
			}
			if assignment[i] != best {
				assignment[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		counts := make([]int, nlist)
		sums := make([][]float32, nlist)
		for i := range sums {
			sums[i] = make([]float32, iv.opts.Dimension)
		}
		for i, v := range sample {
			c := assignment[i]
			counts[c]++
			for j, x := range v {
				sums[c][j] += x
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			for j := range centroids[c] {
				centroids[c][j] = sums[c][j] / float32(counts[c])
			}
		}
	}

	iv.centroids = centroids
	iv.lists = make([][]entry, nlist)
	iv.trained = true
}

func (iv *IVF) nearestCentroid(v []float32) int {
	best, bestDist := 0, float32(0)
	for c, centroid := range iv.centroids {
		d := distance.SquaredL2(v, centroid)
		if c == 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// Search probes the nprobe nearest cells and returns the k nearest vectors
// found there, padded with sentinel slots when fewer are held.
func (iv *IVF) Search(query []float32, k int) ([]index.Result, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}
	if len(query) != iv.opts.Dimension {
		return nil, &index.ErrDimensionMismatch{Expected: iv.opts.Dimension, Actual: len(query)}
	}

	iv.mu.RLock()
	defer iv.mu.RUnlock()

	if !iv.trained || iv.live == 0 {
		return index.PadResults(nil, k), nil
	}

	order := make([]int, len(iv.centroids))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return distance.SquaredL2(query, iv.centroids[order[a]]) < distance.SquaredL2(query, iv.centroids[order[b]])
	})

	nprobe := iv.opts.NProbe
	if nprobe > len(order) {
		nprobe = len(order)
	}

	pq := &queue.PriorityQueue{Descending: true}
	heap.Init(pq)
	for _, l := range order[:nprobe] {
		for _, e := range iv.lists[l] {
			d := distance.SquaredL2(query, e.Vector)
			if pq.Len() < k {
				heap.Push(pq, queue.Item{Position: e.Position, Distance: d})
			} else if d < pq.Top().Distance {
				heap.Pop(pq)
				heap.Push(pq, queue.Item{Position: e.Position, Distance: d})
			}
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

// Reconstruct is not supported: positional storage is folded into the
// inverted lists and the index does not promise exact positional recovery.
func (iv *IVF) Reconstruct(position int64) ([]float32, error) {
	return nil, fmt.Errorf("%w: reconstruct on ivf", index.ErrNotSupported)
}

// Remove deletes the vector at position from its inverted list.
func (iv *IVF) Remove(position int64) error {
	iv.mu.Lock()
	defer iv.mu.Unlock()

	l, ok := iv.listOf[position]
	if !ok {
		if position >= 0 && position < iv.nextPos {
			return &index.ErrPositionDeleted{Position: position}
		}
		return &index.ErrPositionNotFound{Position: position}
	}

	list := iv.lists[l]
	for i, e := range list {
		if e.Position == position {
			list[i] = list[len(list)-1]
			iv.lists[l] = list[:len(list)-1]
			break
		}
	}
	delete(iv.listOf, position)
	iv.live--

	return nil
}

// snapshot is the gob-serialized form of the index.
type snapshot struct {
	Dimension int
	Centroids [][]float32
	Lists     [][]entry
	Trained   bool
	NextPos   int64
}

// SaveTo serializes the index payload to w.
func (iv *IVF) SaveTo(w io.Writer) error {
	iv.mu.RLock()
	defer iv.mu.RUnlock()

	return gob.NewEncoder(w).Encode(snapshot{
		Dimension: iv.opts.Dimension,
		Centroids: iv.centroids,
		Lists:     iv.lists,
		Trained:   iv.trained,
		NextPos:   iv.nextPos,
	})
}

// LoadFrom replaces the index contents with a payload written by SaveTo.
func (iv *IVF) LoadFrom(r io.Reader) error {
	var snap snapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("ivf: decode payload: %w", err)
	}
	if snap.Dimension != iv.opts.Dimension {
		return &index.ErrDimensionMismatch{Expected: iv.opts.Dimension, Actual: snap.Dimension}
	}

	iv.mu.Lock()
	defer iv.mu.Unlock()
	iv.centroids = snap.Centroids
	iv.lists = snap.Lists
	iv.trained = snap.Trained
	iv.nextPos = snap.NextPos

	iv.listOf = make(map[int64]int)
	iv.live = 0
	for l, list := range iv.lists {
		for _, e := range list {
			iv.listOf[e.Position] = l
			iv.live++
		}
	}

	return nil
}
