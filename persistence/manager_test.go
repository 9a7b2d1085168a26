package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediasense/embedstore/index"
	"github.com/mediasense/embedstore/index/flat"
)

func newTestIndex(t *testing.T) index.Index {
	t.Helper()
	f, err := flat.New(3)
	require.NoError(t, err)
	_, err = f.Add([][]float32{{1, 0, 0}, {0, 1, 0}})
	require.NoError(t, err)
	return f
}

func TestManagerSaveLoadRoundTrip(t *testing.T) {
	for _, codec := range []string{"none", "lz4", "s2"} {
		t.Run(codec, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "index.bin")
			c, err := ParseCodec(codec)
			require.NoError(t, err)

			m, err := NewManager(path, func(o *Options) { o.Codec = c })
			require.NoError(t, err)

			idx := newTestIndex(t)
			mapping := map[string]int64{"a": 0, "b": 1}
			require.NoError(t, m.Save(context.Background(), idx, mapping))

			restored, err := flat.New(3)
			require.NoError(t, err)
			got, err := m.Load(context.Background(), restored)
			require.NoError(t, err)

			assert.Equal(t, mapping, got)
			assert.Equal(t, int64(2), restored.Size())

			v, err := restored.Reconstruct(1)
			require.NoError(t, err)
			assert.Equal(t, []float32{0, 1, 0}, v)
		})
	}
}

func TestManagerLoadMissingSnapshot(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "absent.bin"))
	require.NoError(t, err)

	idx, err := flat.New(3)
	require.NoError(t, err)
	_, err = m.Load(context.Background(), idx)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestManagerDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.bin")
	m, err := NewManager(path)
	require.NoError(t, err)
	require.NoError(t, m.Save(context.Background(), newTestIndex(t), map[string]int64{"a": 0}))

	// Flip a payload byte past the header.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	idx, err := flat.New(3)
	require.NoError(t, err)
	_, err = m.Load(context.Background(), idx)
	require.Error(t, err)

	var mismatch *ChecksumMismatchError
	assert.ErrorAs(t, err, &mismatch)
}

func TestManagerRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.bin")
	require.NoError(t, os.WriteFile(path, []byte("not a snapshot at all......"), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)

	idx, err := flat.New(3)
	require.NoError(t, err)
	_, err = m.Load(context.Background(), idx)
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestManagerKindMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.bin")
	m, err := NewManager(path)
	require.NoError(t, err)
	require.NoError(t, m.Save(context.Background(), newTestIndex(t), nil))

	// Loading a flat snapshot into another kind must fail before payload
	// decoding is attempted.
	other := fakeKindIndex{Index: mustFlat(t)}
	_, err = m.Load(context.Background(), other)
	assert.ErrorIs(t, err, ErrKindMismatch)
}

func mustFlat(t *testing.T) index.Index {
	t.Helper()
	f, err := flat.New(3)
	require.NoError(t, err)
	return f
}

type fakeKindIndex struct{ index.Index }

func (fakeKindIndex) Kind() index.Kind { return index.KindHNSW }

func TestManagerRateLimitedSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.bin")
	m, err := NewManager(path, func(o *Options) {
		o.IOLimitBytesPerSec = 1 << 20
	})
	require.NoError(t, err)

	require.NoError(t, m.Save(context.Background(), newTestIndex(t), map[string]int64{"a": 0}))

	idx, err := flat.New(3)
	require.NoError(t, err)
	_, err = m.Load(context.Background(), idx)
	require.NoError(t, err)
}

func TestManagerClosed(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "index.bin"))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	err = m.Save(context.Background(), newTestIndex(t), nil)
	assert.ErrorIs(t, err, ErrManagerClosed)

	idx, err := flat.New(3)
	require.NoError(t, err)
	_, err = m.Load(context.Background(), idx)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("")
	require.NoError(t, err)
	assert.Equal(t, CodecNone, c)

	_, err = ParseCodec("zstd")
	assert.Error(t, err)
}
