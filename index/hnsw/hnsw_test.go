package hnsw

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/mediasense/embedstore/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T, dim int) *HNSW {
	t.Helper()
	seed := int64(42)
	h, err := New(dim, func(o *Options) {
		o.RandomSeed = &seed
	})
	require.NoError(t, err)
	return h
}

func TestHNSW(t *testing.T) {
	t.Run("AddAndSize", func(t *testing.T) {
		h := newTestIndex(t, 3)

		first, err := h.Add([][]float32{{1, 0, 0}, {0, 1, 0}})
		require.NoError(t, err)
		assert.Equal(t, int64(0), first)
		assert.Equal(t, int64(2), h.Size())
	})

	t.Run("DimensionMismatch", func(t *testing.T) {
		h := newTestIndex(t, 3)

		_, err := h.Add([][]float32{{1, 0}})
		assert.IsType(t, &index.ErrDimensionMismatch{}, err)

		_, err = h.Search([]float32{1, 0}, 1)
		assert.IsType(t, &index.ErrDimensionMismatch{}, err)
	})

	t.Run("EmptySearch", func(t *testing.T) {
		h := newTestIndex(t, 3)

		results, err := h.Search([]float32{1, 0, 0}, 2)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, index.SentinelPosition, results[0].Position)
	})

	t.Run("SelfSimilarity", func(t *testing.T) {
		h := newTestIndex(t, 4)

		vectors := [][]float32{
			{1, 0, 0, 0},
			{0, 1, 0, 0},
			{0.9, 0.1, 0, 0},
			{0, 0, 1, 0},
		}
		_, err := h.Add(vectors)
		require.NoError(t, err)

		for pos, v := range vectors {
			results, err := h.Search(v, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(pos), results[0].Position)
			assert.InDelta(t, 0, results[0].Distance, 1e-6)
		}
	})

	t.Run("InvalidOptions", func(t *testing.T) {
		_, err := New(0)
		assert.ErrorIs(t, err, index.ErrNotInitialized)

		_, err = New(3, func(o *Options) { o.M = 1 })
		assert.Error(t, err)
	})

	t.Run("Remove", func(t *testing.T) {
		h := newTestIndex(t, 3)
		_, err := h.Add([][]float32{{1, 0, 0}, {0, 1, 0}, {0.9, 0.1, 0}})
		require.NoError(t, err)

		require.NoError(t, h.Remove(0))
		assert.Equal(t, int64(2), h.Size())

		// The tombstoned vector no longer appears in search results.
		results, err := h.Search([]float32{1, 0, 0}, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(2), results[0].Position)
		for _, r := range results {
			assert.NotEqual(t, int64(0), r.Position)
		}

		_, err = h.Reconstruct(0)
		assert.IsType(t, &index.ErrPositionDeleted{}, err)

		err = h.Remove(0)
		assert.IsType(t, &index.ErrPositionDeleted{}, err)
	})

	t.Run("RemoveEntryElectsReplacement", func(t *testing.T) {
		h := newTestIndex(t, 2)
		_, err := h.Add([][]float32{{1, 0}, {0, 1}, {1, 1}})
		require.NoError(t, err)

		// Remove everything, then confirm the graph is searchable and empty.
		require.NoError(t, h.Remove(0))
		require.NoError(t, h.Remove(1))
		require.NoError(t, h.Remove(2))
		assert.Equal(t, int64(0), h.Size())

		results, err := h.Search([]float32{1, 0}, 1)
		require.NoError(t, err)
		assert.Equal(t, index.SentinelPosition, results[0].Position)
	})
}

func TestHNSWRecall(t *testing.T) {
	const (
		dim = 8
		n   = 500
	)
	h := newTestIndex(t, dim)
	rng := rand.New(rand.NewSource(7))

	vectors := make([][]float32, n)
	for i := range vectors {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()
		}
		vectors[i] = v
	}
	_, err := h.Add(vectors)
	require.NoError(t, err)

	// Every stored vector must come back as its own nearest neighbor.
	hits := 0
	for pos := 0; pos < n; pos += 25 {
		results, err := h.Search(vectors[pos], 1)
		require.NoError(t, err)
		if results[0].Position == int64(pos) {
			hits++
		}
	}
	assert.Equal(t, 20, hits, fmt.Sprintf("self-recall degraded: %d/20", hits))
}

func TestHNSWSaveLoadRoundTrip(t *testing.T) {
	h := newTestIndex(t, 3)
	_, err := h.Add([][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}})
	require.NoError(t, err)
	require.NoError(t, h.Remove(1))

	var buf bytes.Buffer
	require.NoError(t, h.SaveTo(&buf))

	loaded := newTestIndex(t, 3)
	require.NoError(t, loaded.LoadFrom(&buf))

	assert.Equal(t, int64(2), loaded.Size())

	results, err := loaded.Search([]float32{0, 0, 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), results[0].Position)

	v, err := loaded.Reconstruct(0)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, v)
}
