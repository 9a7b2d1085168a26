package persistence

import "errors"

const (
	// MagicNumber identifies embedstore snapshot files (ASCII: "EMS1").
	MagicNumber = 0x454D5331

	// Version is the current snapshot format version.
	Version = 0x00010000
)

var (
	// ErrInvalidMagic is returned when a snapshot does not start with the
	// embedstore magic number.
	ErrInvalidMagic = errors.New("invalid magic number")

	// ErrInvalidVersion is returned when a snapshot was written by an
	// unsupported format version.
	ErrInvalidVersion = errors.New("unsupported snapshot version")

	// ErrKindMismatch is returned when a snapshot holds a different index
	// kind than the one it is being loaded into.
	ErrKindMismatch = errors.New("snapshot index kind mismatch")

	// ErrSnapshotNotFound is returned by Load when no snapshot file exists.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrManagerClosed is returned when operations are attempted on a
	// closed manager.
	ErrManagerClosed = errors.New("persistence manager is closed")
)

// fileHeader precedes the compressed payload in every snapshot file. The
// checksum covers all bytes that follow the header.
type fileHeader struct {
	Magic     uint32
	Version   uint32
	Codec     uint8
	Kind      uint8
	Padding   [2]byte
	Dimension uint32
	Checksum  uint32
}
