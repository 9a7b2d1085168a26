// Package pool maintains a bounded set of reusable store connections for
// deployments where many callers share a few expensive store instances.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mediasense/embedstore"
)

var (
	// ErrClosed is returned when acquiring from a closed pool.
	ErrClosed = errors.New("pool is closed")

	// ErrExhausted is returned when no connection becomes available within
	// the acquire timeout. It matches embedstore.ErrResourceExceeded.
	ErrExhausted = fmt.Errorf("%w: connection pool exhausted", embedstore.ErrResourceExceeded)
)

// Factory creates one store connection.
type Factory func(ctx context.Context) (*embedstore.Store, error)

// Options configures the pool.
type Options struct {
	// MinSize is the number of connections opened eagerly at startup.
	MinSize int

	// MaxSize bounds the connections handed out concurrently.
	MaxSize int

	// MaxIdleTime retires a connection idle for longer. Zero disables.
	MaxIdleTime time.Duration

	// MaxLifetime retires a connection older than this. Zero disables.
	MaxLifetime time.Duration

	// HealthCheckInterval is the period of the idle health sweep. Zero
	// disables the sweep.
	HealthCheckInterval time.Duration

	// AcquireTimeout bounds how long Acquire waits for a free connection.
	// Zero waits as long as the caller's context allows.
	AcquireTimeout time.Duration

	// Logger receives pool lifecycle events. Nil disables logging.
	Logger *embedstore.Logger
}

// Conn is one pooled store connection.
type Conn struct {
	id        uuid.UUID
	store     *embedstore.Store
	createdAt time.Time
	lastUsed  time.Time
}

// ID returns the connection id.
func (c *Conn) ID() uuid.UUID { return c.id }

// Store returns the underlying store.
func (c *Conn) Store() *embedstore.Store { return c.store }

// Pool hands out at most MaxSize connections at a time, reusing idle ones
// and retiring those that expired or fail the health probe.
type Pool struct {
	factory Factory
	opts    Options
	logger  *embedstore.Logger
	sem     *semaphore.Weighted

	mu      sync.Mutex
	idle    []*Conn
	numOpen int
	closed  bool

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a pool and opens MinSize connections eagerly.
func New(ctx context.Context, factory Factory, optFns ...func(o *Options)) (*Pool, error) {
	opts := Options{
		MinSize: 0,
		MaxSize: 4,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if factory == nil {
		return nil, fmt.Errorf("pool: factory must not be nil")
	}
	if opts.MaxSize < 1 {
		return nil, fmt.Errorf("pool: MaxSize must be at least 1, got %d", opts.MaxSize)
	}
	if opts.MinSize < 0 || opts.MinSize > opts.MaxSize {
		return nil, fmt.Errorf("pool: MinSize %d outside [0, MaxSize=%d]", opts.MinSize, opts.MaxSize)
	}
	if opts.Logger == nil {
		opts.Logger = embedstore.NoopLogger()
	}

	p := &Pool{
		factory: factory,
		opts:    opts,
		logger:  opts.Logger,
		sem:     semaphore.NewWeighted(int64(opts.MaxSize)),
		done:    make(chan struct{}),
	}

	// Warm up the minimum set in parallel.
	if opts.MinSize > 0 {
		g, gctx := errgroup.WithContext(ctx)
		warm := make([]*Conn, opts.MinSize)
		for i := range warm {
			g.Go(func() error {
				conn, err := p.open(gctx)
				if err != nil {
					return err
				}
				warm[i] = conn
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			for _, conn := range warm {
				if conn != nil {
					p.destroy(context.Background(), conn)
				}
			}
			return nil, fmt.Errorf("pool: warm up: %w", err)
		}
		p.mu.Lock()
		p.idle = append(p.idle, warm...)
		p.mu.Unlock()
	}

	if opts.HealthCheckInterval > 0 {
		go p.healthLoop(opts.HealthCheckInterval)
	}

	return p, nil
}

func (p *Pool) open(ctx context.Context) (*Conn, error) {
	store, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	conn := &Conn{
		id:        uuid.New(),
		store:     store,
		createdAt: now,
		lastUsed:  now,
	}

	p.mu.Lock()
	p.numOpen++
	p.mu.Unlock()

	p.logger.Debug("pool connection opened", "conn_id", conn.id.String())
	return conn, nil
}

func (p *Pool) destroy(ctx context.Context, conn *Conn) {
	if err := conn.store.Close(ctx); err != nil {
		p.logger.Warn("pool connection close failed", "conn_id", conn.id.String(), "error", err)
	}

	p.mu.Lock()
	p.numOpen--
	p.mu.Unlock()

	p.logger.Debug("pool connection retired", "conn_id", conn.id.String())
}

// expired reports whether the connection exceeded its idle time or
// lifetime budget.
func (p *Pool) expired(conn *Conn, now time.Time) bool {
	if p.opts.MaxIdleTime > 0 && now.Sub(conn.lastUsed) > p.opts.MaxIdleTime {
		return true
	}
	if p.opts.MaxLifetime > 0 && now.Sub(conn.createdAt) > p.opts.MaxLifetime {
		return true
	}
	return false
}

// Acquire returns a connection, waiting until one is free. When every slot
// stays busy past the acquire timeout (or the caller's context deadline)
// the error matches embedstore.ErrResourceExceeded.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if p.opts.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.AcquireTimeout)
		defer cancel()
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExhausted, err)
	}

	// Prefer an idle connection, discarding expired ones along the way.
	now := time.Now()
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.sem.Release(1)
			return nil, ErrClosed
		}
		if len(p.idle) == 0 {
			p.mu.Unlock()
			break
		}
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()

		if p.expired(conn, now) {
			p.destroy(ctx, conn)
			continue
		}
		conn.lastUsed = now
		return conn, nil
	}

	conn, err := p.open(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("pool: open connection: %w", err)
	}
	return conn, nil
}

// Release returns a connection to the pool. After Close the connection is
// retired instead.
func (p *Pool) Release(conn *Conn) {
	conn.lastUsed = time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if err := conn.store.Save(context.Background()); err != nil {
			p.logger.Debug("pool connection save on retire failed", "conn_id", conn.id.String(), "error", err)
		}
		p.destroy(context.Background(), conn)
	} else {
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}

	p.sem.Release(1)
}

// healthLoop sweeps idle connections, retiring expired ones and those whose
// store no longer answers.
func (p *Pool) healthLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	now := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var keep, retire []*Conn
	for _, conn := range p.idle {
		if p.expired(conn, now) {
			retire = append(retire, conn)
			continue
		}
		if _, err := conn.store.Size(); err != nil {
			p.logger.Warn("pool health probe failed", "conn_id", conn.id.String(), "error", err)
			retire = append(retire, conn)
			continue
		}
		keep = append(keep, conn)
	}
	p.idle = keep
	p.mu.Unlock()

	for _, conn := range retire {
		p.destroy(context.Background(), conn)
	}
}

// Stats describes the pool occupancy.
type Stats struct {
	Open  int
	Idle  int
	InUse int
}

// Stats returns a snapshot of the pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Open:  p.numOpen,
		Idle:  len(p.idle),
		InUse: p.numOpen - len(p.idle),
	}
}

// Close stops the health sweep and retires every idle connection. Pending
// and future Acquire calls fail; connections still in use are retired when
// released.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.done) })

	var firstErr error
	for _, conn := range idle {
		if err := conn.store.Save(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		p.destroy(ctx, conn)
	}

	return firstErr
}
