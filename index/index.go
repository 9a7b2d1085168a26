// Package index defines the contract shared by all nearest-neighbor index
// implementations. The store addresses vectors by dense, insertion-ordered
// int64 positions; mapping between embedding ids and positions is the
// caller's responsibility.
package index

import (
	"errors"
	"fmt"
	"io"
)

// Kind identifies a nearest-neighbor index implementation.
type Kind string

const (
	// KindFlat is an exact index backed by a linear scan.
	KindFlat Kind = "flat"
	// KindHNSW is a graph-based approximate index.
	KindHNSW Kind = "hnsw"
	// KindIVF is an inverted-file approximate index with a coarse quantizer.
	KindIVF Kind = "ivf"
)

// ParseKind parses a kind string. It returns an error for unknown kinds.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindFlat, KindHNSW, KindIVF:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// SentinelPosition marks a padded search result slot. Searches always return
// k entries; when the index holds fewer than k live vectors the remainder is
// filled with this impossible position.
const SentinelPosition int64 = -1

var (
	// ErrNotInitialized is returned when an index has no usable dimension.
	ErrNotInitialized = errors.New("index not initialized")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrNotSupported is returned for operations an index kind cannot serve.
	ErrNotSupported = errors.New("not supported for this index kind")

	// ErrUnknownKind is returned for unrecognized index kind strings.
	ErrUnknownKind = errors.New("unknown index kind")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrPositionNotFound indicates a position that was never assigned.
type ErrPositionNotFound struct {
	Position int64
}

func (e *ErrPositionNotFound) Error() string {
	return fmt.Sprintf("position %d not found", e.Position)
}

// ErrPositionDeleted indicates a position whose vector has been removed.
type ErrPositionDeleted struct {
	Position int64
}

func (e *ErrPositionDeleted) Error() string {
	return fmt.Sprintf("position %d deleted", e.Position)
}

// Result represents one search hit: the internal position of the stored
// vector and its distance to the query, or a sentinel pad slot.
type Result struct {
	Position int64
	Distance float32
}

// Index is the minimal contract every nearest-neighbor index satisfies.
//
// Positions are dense insertion-ordered integers assigned by Add. Remove
// tombstones a position; positions are never reused or renumbered, so a
// caller-held position stays valid until it is removed.
type Index interface {
	// Add appends a batch of vectors and returns the position assigned to
	// the first one; subsequent vectors occupy consecutive positions.
	Add(vectors [][]float32) (int64, error)

	// Search returns the k nearest live vectors ordered by ascending
	// distance, padded with SentinelPosition entries when fewer are held.
	Search(query []float32, k int) ([]Result, error)

	// Reconstruct returns a copy of the vector stored at a position.
	// Kinds that discard exact positional storage return ErrNotSupported.
	Reconstruct(position int64) ([]float32, error)

	// Remove tombstones the vector at a position.
	Remove(position int64) error

	// Size returns the number of live vectors.
	Size() int64

	// Dimension returns the configured vector dimensionality.
	Dimension() int

	// Kind returns the index kind.
	Kind() Kind

	// SaveTo serializes the index payload to w.
	SaveTo(w io.Writer) error

	// LoadFrom replaces the index contents with a payload read from r.
	LoadFrom(r io.Reader) error
}

// ValidateBatch checks that every vector in a batch matches the expected
// dimension. It is shared by the index implementations.
func ValidateBatch(dimension int, vectors [][]float32) error {
	if dimension <= 0 {
		return ErrNotInitialized
	}
	for _, v := range vectors {
		if len(v) != dimension {
			return &ErrDimensionMismatch{Expected: dimension, Actual: len(v)}
		}
	}
	return nil
}

// PadResults appends sentinel entries until results holds exactly k slots.
func PadResults(results []Result, k int) []Result {
	for len(results) < k {
		results = append(results, Result{Position: SentinelPosition, Distance: 0})
	}
	return results
}
