// Package metastore provides a durable id-to-record mapping with a
// versioned on-disk JSON format and predicate queries.
package metastore

import (
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is the current on-disk schema version.
const SchemaVersion = "1"

var (
	// ErrNotFound is returned when an id is absent from the store.
	ErrNotFound = errors.New("metadata not found")

	// ErrDuplicateID is returned when adding an id that is already present.
	ErrDuplicateID = errors.New("metadata id already exists")

	// ErrInvalidRecord is returned when a record fails validation.
	ErrInvalidRecord = errors.New("invalid metadata record")

	// ErrMalformed is returned when the backing file cannot be parsed or
	// carries a schema version newer than this build understands.
	ErrMalformed = errors.New("malformed metadata file")

	// ErrMigrationRequired is returned when the backing file carries an
	// older schema version. No legacy format is defined yet, so migration
	// is not implemented.
	ErrMigrationRequired = errors.New("metadata schema migration required")
)

// Record holds the structured, non-vector attributes of one embedding.
// Kind, CreatedAt, and ProducerVersion are required; the rest are optional.
type Record struct {
	Kind            string   `json:"kind"`
	CreatedAt       string   `json:"created_at"`
	ProducerVersion string   `json:"producer_version"`
	Confidence      *float64 `json:"confidence,omitempty"`
	SourceFrame     *int64   `json:"source_frame,omitempty"`
	Duration        *float64 `json:"duration,omitempty"`
}

// Validate checks required fields and optional field ranges.
func (r Record) Validate() error {
	if r.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidRecord)
	}
	if r.ProducerVersion == "" {
		return fmt.Errorf("%w: producer_version is required", ErrInvalidRecord)
	}
	if _, err := time.Parse(time.RFC3339, r.CreatedAt); err != nil {
		return fmt.Errorf("%w: created_at %q is not a valid RFC 3339 timestamp", ErrInvalidRecord, r.CreatedAt)
	}
	if r.Confidence != nil && (*r.Confidence < 0 || *r.Confidence > 1) {
		return fmt.Errorf("%w: confidence %v outside [0, 1]", ErrInvalidRecord, *r.Confidence)
	}
	if r.SourceFrame != nil && *r.SourceFrame < 0 {
		return fmt.Errorf("%w: source_frame must not be negative", ErrInvalidRecord)
	}
	if r.Duration != nil && *r.Duration < 0 {
		return fmt.Errorf("%w: duration must not be negative", ErrInvalidRecord)
	}
	return nil
}

// CreatedTime returns the parsed created_at timestamp. Records inside the
// store have already passed Validate, so the parse cannot fail for them.
func (r Record) CreatedTime() (time.Time, error) {
	return time.Parse(time.RFC3339, r.CreatedAt)
}
