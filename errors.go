package embedstore

import (
	"errors"
	"fmt"

	"github.com/mediasense/embedstore/config"
	"github.com/mediasense/embedstore/index"
	"github.com/mediasense/embedstore/metastore"
	"github.com/mediasense/embedstore/persistence"
	"github.com/mediasense/embedstore/resource"
)

var (
	// ErrValidation is returned when caller input is rejected: wrong
	// dimensionality, non-finite values, invalid k, or a bad record.
	ErrValidation = errors.New("validation failed")

	// ErrConfiguration is returned when a store cannot be built from its
	// configuration.
	ErrConfiguration = errors.New("configuration error")

	// ErrMetadata is returned for metadata-layer failures: duplicate ids,
	// malformed files, or unsupported schema versions.
	ErrMetadata = errors.New("metadata error")

	// ErrNotFound is returned when an embedding id is absent.
	ErrNotFound = errors.New("not found")

	// ErrStorageOperation is returned for index and persistence failures,
	// and for operations on a closed store.
	ErrStorageOperation = errors.New("storage operation failed")

	// ErrResourceExceeded is returned when an operation would breach a
	// configured resource quota.
	ErrResourceExceeded = errors.New("resource limit exceeded")

	// ErrUnsupported is returned when the configured index kind cannot
	// serve an operation, e.g. reconstruction on an inverted-file index.
	ErrUnsupported = errors.New("operation not supported for this index kind")

	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("store is closed")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("%v: dimension mismatch: expected %d, got %d", ErrValidation, e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() []error {
	if e.cause != nil {
		return []error{ErrValidation, e.cause}
	}
	return []error{ErrValidation}
}

// translateError normalizes errors from the inner layers into the public
// taxonomy. Every error a Store method returns passes through here.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Already classified.
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrMetadata),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrStorageOperation),
		errors.Is(err, ErrResourceExceeded),
		errors.Is(err, ErrUnsupported):
		return err
	}

	if errors.Is(err, ErrClosed) {
		return fmt.Errorf("%w: %w", ErrStorageOperation, err)
	}

	// Not found unification.
	if errors.Is(err, metastore.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var pnf *index.ErrPositionNotFound
	if errors.As(err, &pnf) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var pd *index.ErrPositionDeleted
	if errors.As(err, &pd) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	// Validation.
	var dm *index.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}
	if errors.Is(err, index.ErrInvalidK) {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if errors.Is(err, metastore.ErrInvalidRecord) {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}

	// Metadata layer.
	if errors.Is(err, metastore.ErrDuplicateID) ||
		errors.Is(err, metastore.ErrMalformed) ||
		errors.Is(err, metastore.ErrMigrationRequired) {
		return fmt.Errorf("%w: %w", ErrMetadata, err)
	}

	// Configuration.
	if errors.Is(err, config.ErrInvalid) {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	// Quotas.
	if errors.Is(err, resource.ErrQuotaExceeded) {
		return fmt.Errorf("%w: %w", ErrResourceExceeded, err)
	}

	// Capability gaps.
	if errors.Is(err, index.ErrNotSupported) {
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	}

	// Persistence and index internals.
	if errors.Is(err, index.ErrNotInitialized) ||
		errors.Is(err, index.ErrUnknownKind) ||
		errors.Is(err, persistence.ErrInvalidMagic) ||
		errors.Is(err, persistence.ErrInvalidVersion) ||
		errors.Is(err, persistence.ErrKindMismatch) ||
		errors.Is(err, persistence.ErrSnapshotNotFound) ||
		errors.Is(err, persistence.ErrManagerClosed) {
		return fmt.Errorf("%w: %w", ErrStorageOperation, err)
	}

	return fmt.Errorf("%w: %w", ErrStorageOperation, err)
}
