package pool

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediasense/embedstore"
	"github.com/mediasense/embedstore/config"
)

func testFactory(t *testing.T) Factory {
	t.Helper()
	return func(ctx context.Context) (*embedstore.Store, error) {
		dir := t.TempDir()
		cfg, err := config.New(4,
			filepath.Join(dir, "index.bin"),
			filepath.Join(dir, "metadata.json"),
		)
		if err != nil {
			return nil, err
		}
		return embedstore.New(cfg)
	}
}

func TestPoolAcquireRelease(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, testFactory(t), func(o *Options) { o.MaxSize = 2 })
	require.NoError(t, err)
	defer p.Close(ctx)

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, conn.Store())

	stats := p.Stats()
	assert.Equal(t, 1, stats.Open)
	assert.Equal(t, 1, stats.InUse)

	// A released connection is reused, not reopened.
	id := conn.ID()
	p.Release(conn)

	again, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, again.ID())
	p.Release(again)

	assert.Equal(t, 1, p.Stats().Open)
}

func TestPoolMinSizeWarmUp(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, testFactory(t), func(o *Options) {
		o.MinSize = 2
		o.MaxSize = 4
	})
	require.NoError(t, err)
	defer p.Close(ctx)

	stats := p.Stats()
	assert.Equal(t, 2, stats.Open)
	assert.Equal(t, 2, stats.Idle)
}

func TestPoolBound(t *testing.T) {
	ctx := context.Background()
	const maxSize = 2

	p, err := New(ctx, testFactory(t), func(o *Options) {
		o.MaxSize = maxSize
		o.AcquireTimeout = 50 * time.Millisecond
	})
	require.NoError(t, err)
	defer p.Close(ctx)

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, maxSize, p.Stats().Open)

	// With every slot busy the next caller times out with a resource
	// exceeded error.
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, embedstore.ErrResourceExceeded)
	assert.Equal(t, maxSize, p.Stats().Open)

	// A release unblocks a waiting caller.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := p.Acquire(ctx)
		assert.NoError(t, err)
		close(done)
		p.Release(conn)
	}()

	p.Release(c1)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiting acquire was not unblocked by a release")
	}
	wg.Wait()

	p.Release(c2)
}

func TestPoolIdleExpiry(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, testFactory(t), func(o *Options) {
		o.MaxSize = 2
		o.MaxIdleTime = 10 * time.Millisecond
	})
	require.NoError(t, err)
	defer p.Close(ctx)

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	id := conn.ID()
	p.Release(conn)

	time.Sleep(30 * time.Millisecond)

	// The expired idle connection is replaced by a fresh one.
	fresh, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, id, fresh.ID())
	assert.Equal(t, 1, p.Stats().Open)
	p.Release(fresh)
}

func TestPoolHealthSweepRetiresClosedStores(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, testFactory(t), func(o *Options) {
		o.MaxSize = 2
		o.HealthCheckInterval = 10 * time.Millisecond
	})
	require.NoError(t, err)
	defer p.Close(ctx)

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)

	// Close the store behind the pool's back; the sweep must notice.
	require.NoError(t, conn.Store().Close(ctx))
	p.Release(conn)

	assert.Eventually(t, func() bool {
		return p.Stats().Open == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolClose(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, testFactory(t), func(o *Options) {
		o.MinSize = 1
		o.MaxSize = 2
	})
	require.NoError(t, err)

	inUse, err := p.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Close(ctx))

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	// In-use connections are retired on release after close.
	p.Release(inUse)
	assert.Equal(t, 0, p.Stats().Open)
	assert.Equal(t, embedstore.StateClosed, inUse.Store().State())

	// Close is idempotent.
	require.NoError(t, p.Close(ctx))
}

func TestPoolInvalidOptions(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, nil)
	assert.Error(t, err)

	_, err = New(ctx, testFactory(t), func(o *Options) { o.MaxSize = 0 })
	assert.Error(t, err)

	_, err = New(ctx, testFactory(t), func(o *Options) {
		o.MinSize = 3
		o.MaxSize = 2
	})
	assert.Error(t, err)
}
