package distance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSquaredL2(t *testing.T) {
	assert.Equal(t, float32(0), SquaredL2([]float32{1, 2, 3}, []float32{1, 2, 3}))
	assert.Equal(t, float32(2), SquaredL2([]float32{1, 0, 0}, []float32{0, 1, 0}))
	assert.Equal(t, float32(25), SquaredL2([]float32{0, 0}, []float32{3, 4}))
}

func TestDot(t *testing.T) {
	assert.Equal(t, float32(0), Dot([]float32{1, 0}, []float32{0, 1}))
	assert.Equal(t, float32(11), Dot([]float32{1, 2}, []float32{3, 4}))
}

func TestNormalizeL2Copy(t *testing.T) {
	v, ok := NormalizeL2Copy([]float32{3, 4})
	require.True(t, ok)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	_, ok = NormalizeL2Copy([]float32{0, 0})
	assert.False(t, ok)
}

func TestIsFinite(t *testing.T) {
	assert.True(t, IsFinite([]float32{1, -2, 0}))
	assert.False(t, IsFinite([]float32{1, float32(math.NaN())}))
	assert.False(t, IsFinite([]float32{float32(math.Inf(1))}))
	assert.False(t, IsFinite([]float32{float32(math.Inf(-1)), 0}))
}
