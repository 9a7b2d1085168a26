package persistence

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the compression applied to the snapshot payload.
type Codec uint8

const (
	// CodecNone stores the payload uncompressed.
	CodecNone Codec = iota

	// CodecLZ4 compresses the payload with LZ4 frames.
	CodecLZ4

	// CodecS2 compresses the payload with S2 (Snappy-compatible).
	CodecS2
)

// ParseCodec maps a configuration string to a Codec.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "", "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "s2":
		return CodecS2, nil
	default:
		return CodecNone, fmt.Errorf("unknown compression codec %q", s)
	}
}

// String implements fmt.Stringer.
func (c Codec) String() string {
	switch c {
	case CodecLZ4:
		return "lz4"
	case CodecS2:
		return "s2"
	default:
		return "none"
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// compressor wraps w so the payload is written in the codec's frame format.
// The returned writer must be closed to flush the final frame.
func (c Codec) compressor(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CodecNone:
		return nopWriteCloser{w}, nil
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	case CodecS2:
		return s2.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unknown compression codec %d", c)
	}
}

// decompressor wraps r to decode the codec's frame format.
func (c Codec) decompressor(r io.Reader) (io.Reader, error) {
	switch c {
	case CodecNone:
		return r, nil
	case CodecLZ4:
		return lz4.NewReader(r), nil
	case CodecS2:
		return s2.NewReader(r), nil
	default:
		return nil, fmt.Errorf("unknown compression codec %d", c)
	}
}
