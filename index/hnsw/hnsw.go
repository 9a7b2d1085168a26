// Package hnsw implements a Hierarchical Navigable Small World graph for
// approximate nearest-neighbor search.
package hnsw

import (
	"container/heap"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/mediasense/embedstore/distance"
	"github.com/mediasense/embedstore/index"
	"github.com/mediasense/embedstore/internal/queue"
)

const (
	// DefaultM is the default number of bidirectional links per node.
	DefaultM = 16

	// DefaultEFConstruction is the default candidate list size while building.
	DefaultEFConstruction = 200

	// DefaultEFSearch is the default candidate list size while searching.
	DefaultEFSearch = 100
)

// Compile-time check to ensure HNSW satisfies the index contract.
var _ index.Index = (*HNSW)(nil)

// Options represents the options for configuring HNSW.
type Options struct {
	Dimension      int
	M              int
	EFConstruction int
	EFSearch       int
	RandomSeed     *int64
}

// HNSW is a layered proximity graph. Search greedily descends from the top
// layer to layer 0, then explores an ef-sized candidate pool. Removed nodes
// stay in the graph as tombstones so connectivity is preserved; they are
// filtered from results.
type HNSW struct {
	mu   sync.RWMutex
	opts Options

	vectors   [][]float32
	levels    []int
	neighbors [][][]int64 // per node, per layer, linked positions
	deleted   []bool

	entry    int64 // -1 while the graph is empty
	maxLevel int
	live     int64

	ml  float64
	rng *rand.Rand
}

// New creates a new HNSW index.
func New(dimension int, optFns ...func(o *Options)) (*HNSW, error) {
	opts := Options{
		Dimension:      dimension,
		M:              DefaultM,
		EFConstruction: DefaultEFConstruction,
		EFSearch:       DefaultEFSearch,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, index.ErrNotInitialized
	}
	if opts.M < 2 {
		return nil, fmt.Errorf("hnsw: M must be at least 2, got %d", opts.M)
	}
	if opts.EFConstruction < opts.M {
		opts.EFConstruction = opts.M
	}

	seed := time.Now().UnixNano()
	if opts.RandomSeed != nil {
		seed = *opts.RandomSeed
	}

	return &HNSW{
		opts:  opts,
		entry: -1,
		ml:    1 / math.Log(float64(opts.M)),
		rng:   rand.New(rand.NewSource(seed)),
	}, nil
}

// Kind implements index.Index.
func (h *HNSW) Kind() index.Kind { return index.KindHNSW }

// Dimension implements index.Index.
func (h *HNSW) Dimension() int { return h.opts.Dimension }

// Size returns the number of live vectors.
func (h *HNSW) Size() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.live
}

// Add appends a batch of vectors and returns the first assigned position.
func (h *HNSW) Add(vectors [][]float32) (int64, error) {
	if err := index.ValidateBatch(h.opts.Dimension, vectors); err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	first := int64(len(h.vectors))
	for _, v := range vectors {
		h.insert(v)
	}

	return first, nil
}

// insert adds one vector to the graph. Caller holds the write lock.
func (h *HNSW) insert(v []float32) {
	pos := int64(len(h.vectors))
	cp := make([]float32, len(v))
	copy(cp, v)

	level := int(math.Floor(-math.Log(h.rng.Float64()) * h.ml))

	h.vectors = append(h.vectors, cp)
	h.levels = append(h.levels, level)
	h.neighbors = append(h.neighbors, make([][]int64, level+1))
	h.deleted = append(h.deleted, false)
	h.live++

	if h.entry < 0 {
		h.entry = pos
		h.maxLevel = level
		return
	}

	ep := h.entry
	// Greedy descent through the layers above the new node's level.
	for l := h.maxLevel; l > level; l-- {
		ep = h.greedyClosest(cp, ep, l)
	}

	// Connect on each layer from min(level, maxLevel) down to 0.
	for l := min(level, h.maxLevel); l >= 0; l-- {
		candidates := h.searchLayer(cp, ep, h.opts.EFConstruction, l)
		m := h.maxNeighbors(l)

		selected := candidates
		if len(selected) > m {
			selected = selected[:m]
		}

		links := make([]int64, 0, len(selected))
		for _, c := range selected {
			links = append(links, c.Position)
		}
		h.neighbors[pos][l] = links

		for _, c := range selected {
			h.link(c.Position, pos, l)
		}

		if len(candidates) > 0 {
			ep = candidates[0].Position
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = pos
	}
}

// link adds dst to src's neighbor list on layer l, pruning to the layer's
// connection budget by distance.
func (h *HNSW) link(src, dst int64, l int) {
	links := append(h.neighbors[src][l], dst)
	m := h.maxNeighbors(l)
	if len(links) > m {
		srcVec := h.vectors[src]
		sort.Slice(links, func(i, j int) bool {
			return distance.SquaredL2(srcVec, h.vectors[links[i]]) < distance.SquaredL2(srcVec, h.vectors[links[j]])
		})
		links = links[:m]
	}
	h.neighbors[src][l] = links
}

func (h *HNSW) maxNeighbors(layer int) int {
	if layer == 0 {
		return h.opts.M * 2
	}
	return h.opts.M
}

// greedyClosest walks layer l from ep toward query, following the closest
// neighbor until no improvement is found.
func (h *HNSW) greedyClosest(query []float32, ep int64, l int) int64 {
	best := ep
	bestDist := distance.SquaredL2(query, h.vectors[best])

	for {
		improved := false
		if l < len(h.neighbors[best]) {
			for _, n := range h.neighbors[best][l] {
				d := distance.SquaredL2(query, h.vectors[n])
				if d < bestDist {
					best = n
					bestDist = d
					improved = true
				}
			}
		}
		if !improved {
			return best
		}
	}
}

// searchLayer explores layer l with an ef-sized candidate pool and returns
// the discovered nodes ordered by ascending distance. Tombstoned nodes are
// traversed but still reported; callers filter them.
func (h *HNSW) searchLayer(query []float32, ep int64, ef int, l int) []queue.Item {
	visited := map[int64]struct{}{ep: {}}

	epDist := distance.SquaredL2(query, h.vectors[ep])

	candidates := &queue.PriorityQueue{} // min-heap by distance
	heap.Push(candidates, queue.Item{Position: ep, Distance: epDist})

	results := &queue.PriorityQueue{Descending: true} // max-heap, worst on top
	heap.Push(results, queue.Item{Position: ep, Distance: epDist})

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(queue.Item)
		if c.Distance > results.Top().Distance && results.Len() >= ef {
			break
		}

		if l >= len(h.neighbors[c.Position]) {
			continue
		}
		for _, n := range h.neighbors[c.Position][l] {
			if _, ok := visited[n]; ok {
				continue
			}
			visited[n] = struct{}{}

			d := distance.SquaredL2(query, h.vectors[n])
			if results.Len() < ef || d < results.Top().Distance {
				heap.Push(candidates, queue.Item{Position: n, Distance: d})
				heap.Push(results, queue.Item{Position: n, Distance: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]queue.Item, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(queue.Item)
	}
	return out
}

// Search returns the k approximately nearest live vectors.
func (h *HNSW) Search(query []float32, k int) ([]index.Result, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}
	if len(query) != h.opts.Dimension {
		return nil, &index.ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(query)}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.entry < 0 || h.live == 0 {
		return index.PadResults(nil, k), nil
	}

	ep := h.entry
	for l := h.maxLevel; l > 0; l-- {
		ep = h.greedyClosest(query, ep, l)
	}

	ef := h.opts.EFSearch
	if ef < k {
		ef = k
	}

	results := make([]index.Result, 0, k)
	for _, c := range h.searchLayer(query, ep, ef, 0) {
		if h.deleted[c.Position] {
			continue
		}
		results = append(results, index.Result{Position: c.Position, Distance: c.Distance})
		if len(results) == k {
			break
		}
	}

	return index.PadResults(results, k), nil
}

// Reconstruct returns a copy of the vector stored at position. HNSW retains
// raw vectors, so positional reconstruction is supported.
func (h *HNSW) Reconstruct(position int64) ([]float32, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if position < 0 || position >= int64(len(h.vectors)) {
		return nil, &index.ErrPositionNotFound{Position: position}
	}
	if h.deleted[position] {
		return nil, &index.ErrPositionDeleted{Position: position}
	}

	cp := make([]float32, len(h.vectors[position]))
	copy(cp, h.vectors[position])
	return cp, nil
}

// Remove tombstones the vector at position. The node stays in the graph to
// preserve connectivity for later searches.
func (h *HNSW) Remove(position int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if position < 0 || position >= int64(len(h.vectors)) {
		return &index.ErrPositionNotFound{Position: position}
	}
	if h.deleted[position] {
		return &index.ErrPositionDeleted{Position: position}
	}

	h.deleted[position] = true
	h.live--

	if position == h.entry {
		h.electEntry()
	}

	return nil
}

// electEntry picks a replacement entry point after the current one is
// tombstoned. Caller holds the write lock.
func (h *HNSW) electEntry() {
	h.entry = -1
	h.maxLevel = 0
	for pos := range h.vectors {
		if h.deleted[pos] {
			continue
		}
		if h.entry < 0 || h.levels[pos] > h.maxLevel {
			h.entry = int64(pos)
			h.maxLevel = h.levels[pos]
		}
	}
}

// snapshot is the gob-serialized form of the graph.
type snapshot struct {
	Dimension int
	M         int
	Vectors   [][]float32
	Levels    []int
	Neighbors [][][]int64
	Deleted   []bool
	Entry     int64
	MaxLevel  int
	Live      int64
}

// SaveTo serializes the graph payload to w.
func (h *HNSW) SaveTo(w io.Writer) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return gob.NewEncoder(w).Encode(snapshot{
		Dimension: h.opts.Dimension,
		M:         h.opts.M,
		Vectors:   h.vectors,
		Levels:    h.levels,
		Neighbors: h.neighbors,
		Deleted:   h.deleted,
		Entry:     h.entry,
		MaxLevel:  h.maxLevel,
		Live:      h.live,
	})
}

// LoadFrom replaces the graph with a payload written by SaveTo.
func (h *HNSW) LoadFrom(r io.Reader) error {
	var snap snapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("hnsw: decode payload: %w", err)
	}
	if snap.Dimension != h.opts.Dimension {
		return &index.ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: snap.Dimension}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.vectors = snap.Vectors
	h.levels = snap.Levels
	h.neighbors = snap.Neighbors
	h.deleted = snap.Deleted
	h.entry = snap.Entry
	h.maxLevel = snap.MaxLevel
	h.live = snap.Live

	return nil
}
