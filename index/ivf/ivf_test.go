package ivf

import (
	"bytes"
	"testing"

	"github.com/mediasense/embedstore/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIVF(t *testing.T) {
	t.Run("AddTrainsOnFirstBatch", func(t *testing.T) {
		iv, err := New(2, func(o *Options) { o.NLists = 8 })
		require.NoError(t, err)

		// Two vectors, so the quantizer is capped at two cells.
		first, err := iv.Add([][]float32{{1, 0}, {0, 1}})
		require.NoError(t, err)
		assert.Equal(t, int64(0), first)
		assert.Equal(t, int64(2), iv.Size())
		assert.Len(t, iv.centroids, 2)

		first, err = iv.Add([][]float32{{0.9, 0.1}})
		require.NoError(t, err)
		assert.Equal(t, int64(2), first)
	})

	t.Run("DimensionMismatch", func(t *testing.T) {
		iv, err := New(3)
		require.NoError(t, err)

		_, err = iv.Add([][]float32{{1, 0}})
		assert.IsType(t, &index.ErrDimensionMismatch{}, err)

		_, err = iv.Search([]float32{1, 0}, 1)
		assert.IsType(t, &index.ErrDimensionMismatch{}, err)
	})

	t.Run("SearchUntrained", func(t *testing.T) {
		iv, err := New(2)
		require.NoError(t, err)

		results, err := iv.Search([]float32{1, 0}, 2)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, index.SentinelPosition, results[0].Position)
	})

	t.Run("Search", func(t *testing.T) {
		iv, err := New(2, func(o *Options) {
			o.NLists = 2
			o.NProbe = 2
		})
		require.NoError(t, err)

		_, err = iv.Add([][]float32{{1, 0}, {0, 1}, {0.9, 0.1}, {0.1, 0.9}})
		require.NoError(t, err)

		// Probing every cell makes the search exact.
		results, err := iv.Search([]float32{1, 0}, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(0), results[0].Position)
		assert.Equal(t, int64(2), results[1].Position)
		assert.Less(t, results[0].Distance, results[1].Distance)
	})

	t.Run("SearchInvalidK", func(t *testing.T) {
		iv, err := New(2)
		require.NoError(t, err)

		_, err = iv.Search([]float32{1, 0}, 0)
		assert.ErrorIs(t, err, index.ErrInvalidK)
	})

	t.Run("ReconstructNotSupported", func(t *testing.T) {
		iv, err := New(2)
		require.NoError(t, err)
		_, err = iv.Add([][]float32{{1, 0}})
		require.NoError(t, err)

		_, err = iv.Reconstruct(0)
		assert.ErrorIs(t, err, index.ErrNotSupported)
	})

	t.Run("Remove", func(t *testing.T) {
		iv, err := New(2, func(o *Options) {
			o.NLists = 2
			o.NProbe = 2
		})
		require.NoError(t, err)
		_, err = iv.Add([][]float32{{1, 0}, {0, 1}})
		require.NoError(t, err)

		require.NoError(t, iv.Remove(0))
		assert.Equal(t, int64(1), iv.Size())

		err = iv.Remove(0)
		assert.IsType(t, &index.ErrPositionDeleted{}, err)

		err = iv.Remove(42)
		assert.IsType(t, &index.ErrPositionNotFound{}, err)

		results, err := iv.Search([]float32{1, 0}, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(1), results[0].Position)
		assert.Equal(t, index.SentinelPosition, results[1].Position)
	})

	t.Run("InvalidOptions", func(t *testing.T) {
		_, err := New(0)
		assert.ErrorIs(t, err, index.ErrNotInitialized)

		_, err = New(2, func(o *Options) { o.NLists = 0 })
		assert.Error(t, err)
	})
}

func TestIVFSaveLoadRoundTrip(t *testing.T) {
	iv, err := New(2, func(o *Options) {
		o.NLists = 2
		o.NProbe = 2
	})
	require.NoError(t, err)
	_, err = iv.Add([][]float32{{1, 0}, {0, 1}, {0.9, 0.1}})
	require.NoError(t, err)
	require.NoError(t, iv.Remove(1))

	var buf bytes.Buffer
	require.NoError(t, iv.SaveTo(&buf))

	loaded, err := New(2, func(o *Options) {
		o.NLists = 2
		o.NProbe = 2
	})
	require.NoError(t, err)
	require.NoError(t, loaded.LoadFrom(&buf))

	assert.Equal(t, int64(2), loaded.Size())

	// Position assignment continues where the snapshot left off.
	first, err := loaded.Add([][]float32{{0.5, 0.5}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), first)

	results, err := loaded.Search([]float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), results[0].Position)
}

func TestIVFLoadDimensionMismatch(t *testing.T) {
	iv, err := New(2)
	require.NoError(t, err)
	_, err = iv.Add([][]float32{{1, 0}})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, iv.SaveTo(&buf))

	other, err := New(3)
	require.NoError(t, err)
	err = other.LoadFrom(&buf)
	assert.IsType(t, &index.ErrDimensionMismatch{}, err)
}
