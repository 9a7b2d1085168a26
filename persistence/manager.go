// Package persistence writes index snapshots to disk and restores them.
//
// A snapshot is a single file: a fixed header (magic, version, codec, index
// kind, dimension, checksum) followed by a compressed payload holding the
// id-to-position mapping and the index's own serialized state. Writes go to
// a temporary file first and are renamed into place, so a crash mid-save
// never clobbers the previous snapshot.
package persistence

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/time/rate"

	"github.com/mediasense/embedstore/index"
)

// Options configures the persistence manager.
type Options struct {
	// Codec selects payload compression.
	Codec Codec

	// IOLimitBytesPerSec throttles snapshot writes. Zero disables the limit.
	IOLimitBytesPerSec int64
}

// Manager persists one index and its id mapping at a fixed path.
// It is safe for concurrent use.
type Manager struct {
	path    string
	codec   Codec
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
}

// NewManager creates a new persistence manager for the given snapshot path.
func NewManager(path string, optFns ...func(o *Options)) (*Manager, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if path == "" {
		return nil, fmt.Errorf("persistence: snapshot path must not be empty")
	}

	m := &Manager{
		path:  path,
		codec: opts.Codec,
	}
	if opts.IOLimitBytesPerSec > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(opts.IOLimitBytesPerSec), int(opts.IOLimitBytesPerSec))
	}

	return m, nil
}

// Path returns the snapshot path.
func (m *Manager) Path() string { return m.path }

func kindCode(k index.Kind) (uint8, error) {
	switch k {
	case index.KindFlat:
		return 1, nil
	case index.KindHNSW:
		return 2, nil
	case index.KindIVF:
		return 3, nil
	default:
		return 0, fmt.Errorf("persistence: %w: %q", index.ErrUnknownKind, k)
	}
}

// Save snapshots idx and its id mapping atomically. The previous snapshot
// stays intact until the new one is fully written and synced.
func (m *Manager) Save(ctx context.Context, idx index.Index, mapping map[string]int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	code, err := kindCode(idx.Kind())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("persistence: create snapshot directory: %w", err)
	}

	tmp := m.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("persistence: create temp snapshot: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(tmp)
	}()

	hdr := fileHeader{
		Magic:     MagicNumber,
		Version:   Version,
		Codec:     uint8(m.codec),
		Kind:      code,
		Dimension: uint32(idx.Dimension()),
	}
	if err := binary.Write(f, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("persistence: write header: %w", err)
	}

	var sink io.Writer = f
	if m.limiter != nil {
		sink = &rateLimitedWriter{ctx: ctx, w: sink, limiter: m.limiter}
	}
	cw := NewChecksumWriter(sink)

	zw, err := m.codec.compressor(cw)
	if err != nil {
		return err
	}
	if err := writeMapping(zw, mapping); err != nil {
		return fmt.Errorf("persistence: write mapping: %w", err)
	}
	if err := idx.SaveTo(zw); err != nil {
		return fmt.Errorf("persistence: write index payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("persistence: flush payload: %w", err)
	}

	// Patch the checksum into the header now that the payload is final.
	hdr.Checksum = cw.Sum()
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("persistence: rewind for checksum: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("persistence: rewrite header: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("persistence: sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("persistence: close snapshot: %w", err)
	}

	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("persistence: publish snapshot: %w", err)
	}

	return nil
}

// Load restores idx from the snapshot and returns the persisted id mapping.
// It returns ErrSnapshotNotFound when no snapshot exists yet.
func (m *Manager) Load(ctx context.Context, idx index.Index) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("persistence: open snapshot: %w", err)
	}
	defer f.Close()

	var hdr fileHeader
	if err := binary.Read(f, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("persistence: read header: %w", err)
	}
	if hdr.Magic != MagicNumber {
		return nil, ErrInvalidMagic
	}
	if hdr.Version != Version {
		return nil, fmt.Errorf("%w: 0x%08x", ErrInvalidVersion, hdr.Version)
	}
	code, err := kindCode(idx.Kind())
	if err != nil {
		return nil, err
	}
	if hdr.Kind != code {
		return nil, fmt.Errorf("%w: snapshot holds kind %d, index is %q", ErrKindMismatch, hdr.Kind, idx.Kind())
	}
	if int(hdr.Dimension) != idx.Dimension() {
		return nil, &index.ErrDimensionMismatch{Expected: idx.Dimension(), Actual: int(hdr.Dimension)}
	}

	payload, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("persistence: read payload: %w", err)
	}
	if err := VerifyChecksum(payload, hdr.Checksum); err != nil {
		return nil, fmt.Errorf("persistence: %w", err)
	}

	zr, err := Codec(hdr.Codec).decompressor(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	mapping, err := readMapping(zr)
	if err != nil {
		return nil, fmt.Errorf("persistence: read mapping: %w", err)
	}
	if err := idx.LoadFrom(zr); err != nil {
		return nil, fmt.Errorf("persistence: read index payload: %w", err)
	}

	return mapping, nil
}

// Remove deletes the snapshot file if it exists.
func (m *Manager) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("persistence: remove snapshot: %w", err)
	}
	return nil
}

// Close marks the manager closed. Further operations fail with
// ErrManagerClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// writeMapping serializes the id-to-position mapping: entry count, then per
// entry the id length, id bytes, and position.
func writeMapping(w io.Writer, mapping map[string]int64) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(mapping))); err != nil {
		return err
	}
	for id, pos := range mapping {
		if err := binary.Write(w, binary.LittleEndian, uint16(len(id))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, id); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, pos); err != nil {
			return err
		}
	}
	return nil
}

func readMapping(r io.Reader) (map[string]int64, error) {
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}

	mapping := make(map[string]int64, count)
	for i := uint64(0); i < count; i++ {
		var idLen uint16
		if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
			return nil, err
		}
		id := make([]byte, idLen)
		if _, err := io.ReadFull(r, id); err != nil {
			return nil, err
		}
		var pos int64
		if err := binary.Read(r, binary.LittleEndian, &pos); err != nil {
			return nil, err
		}
		mapping[string(id)] = pos
	}

	return mapping, nil
}

// rateLimitedWriter throttles writes through a token bucket so snapshot IO
// cannot starve foreground operations.
type rateLimitedWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

func (rl *rateLimitedWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := len(p)
		if burst := rl.limiter.Burst(); chunk > burst {
			chunk = burst
		}
		if err := rl.limiter.WaitN(rl.ctx, chunk); err != nil {
			return written, err
		}
		n, err := rl.w.Write(p[:chunk])
		written += n
		if err != nil {
			return written, err
		}
		p = p[chunk:]
	}
	return written, nil
}
