package metastore

import (
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// Options configures the metadata store.
type Options struct {
	// AutoSave persists the store synchronously after every mutation.
	AutoSave bool
}

// Store is an in-memory id-to-record mapping backed by a versioned JSON
// file. A roaring bitmap per kind serves exact-kind queries without a full
// scan. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	path     string
	autoSave bool

	records map[string]Record
	slots   map[string]uint32 // id -> bitmap slot
	ids     []string          // slot -> id, "" once freed
	kinds   map[string]*roaring.Bitmap
}

// diskFormat is the persisted document shape.
type diskFormat struct {
	Version  string            `json:"version"`
	Metadata map[string]Record `json:"metadata"`
}

// New creates a metadata store backed by the file at path. If the file
// exists it is loaded and its schema version checked against SchemaVersion.
func New(path string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if path == "" {
		return nil, fmt.Errorf("metastore: path must not be empty")
	}

	s := &Store{
		path:     path,
		autoSave: opts.AutoSave,
		records:  make(map[string]Record),
		slots:    make(map[string]uint32),
		kinds:    make(map[string]*roaring.Bitmap),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("metastore: read %s: %w", s.path, err)
	}

	var doc diskFormat
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := checkVersion(doc.Version); err != nil {
		return err
	}

	for id, rec := range doc.Metadata {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("%w: record %q: %v", ErrMalformed, id, err)
		}
		s.insert(id, rec)
	}

	return nil
}

// checkVersion compares a file schema version against SchemaVersion. Older
// files need a migration that is not implemented; newer or unparseable
// versions are rejected outright.
func checkVersion(version string) error {
	fileV, err := strconv.Atoi(version)
	if err != nil {
		return fmt.Errorf("%w: schema version %q", ErrMalformed, version)
	}
	currentV, _ := strconv.Atoi(SchemaVersion)

	switch {
	case fileV < currentV:
		return fmt.Errorf("%w: file version %q, current %q", ErrMigrationRequired, version, SchemaVersion)
	case fileV > currentV:
		return fmt.Errorf("%w: file version %q is newer than supported %q", ErrMalformed, version, SchemaVersion)
	default:
		return nil
	}
}

// insert registers a record and its bitmap slot. Caller holds the write
// lock or is running before the store is shared.
func (s *Store) insert(id string, rec Record) {
	slot := uint32(len(s.ids))
	s.ids = append(s.ids, id)
	s.slots[id] = slot
	s.records[id] = rec

	bm, ok := s.kinds[rec.Kind]
	if !ok {
		bm = roaring.New()
		s.kinds[rec.Kind] = bm
	}
	bm.Add(slot)
}

// Add stores a record under id. The id must not already be present and the
// record must pass validation.
func (s *Store) Add(id string, rec Record) error {
	if id == "" {
		return fmt.Errorf("%w: id must not be empty", ErrInvalidRecord)
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}

	s.insert(id, rec)

	if s.autoSave {
		return s.saveLocked()
	}
	return nil
}

// Get returns the record stored under id.
func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return rec, nil
}

// Delete removes the record stored under id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	slot := s.slots[id]
	s.ids[slot] = ""
	delete(s.slots, id)
	delete(s.records, id)

	if bm, ok := s.kinds[rec.Kind]; ok {
		bm.Remove(slot)
		if bm.IsEmpty() {
			delete(s.kinds, rec.Kind)
		}
	}

	if s.autoSave {
		return s.saveLocked()
	}
	return nil
}

// Clear removes every record.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]Record)
	s.slots = make(map[string]uint32)
	s.ids = nil
	s.kinds = make(map[string]*roaring.Bitmap)

	if s.autoSave {
		return s.saveLocked()
	}
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// IDs returns a snapshot of all stored ids.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids
}

// Query returns a lazy sequence of (id, record) pairs matching the
// predicate. Each iteration re-scans, so the sequence is restartable.
// Exact-kind predicates are answered from the kind bitmap.
func (s *Store) Query(pred Predicate) iter.Seq2[string, Record] {
	return func(yield func(string, Record) bool) {
		for _, id := range s.candidates(pred) {
			s.mu.RLock()
			rec, ok := s.records[id]
			s.mu.RUnlock()
			if !ok || !pred.Matches(rec) {
				continue
			}
			if !yield(id, rec) {
				return
			}
		}
	}
}

// candidates snapshots the ids worth testing against pred.
func (s *Store) candidates(pred Predicate) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if kp, ok := pred.(*kindPredicate); ok {
		bm, ok := s.kinds[kp.kind]
		if !ok {
			return nil
		}
		ids := make([]string, 0, bm.GetCardinality())
		it := bm.Iterator()
		for it.HasNext() {
			if id := s.ids[it.Next()]; id != "" {
				ids = append(ids, id)
			}
		}
		return ids
	}

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids
}

// Save persists the store to its backing file atomically.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	doc := diskFormat{
		Version:  SchemaVersion,
		Metadata: s.records,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("metastore: encode: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("metastore: create directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("metastore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("metastore: publish %s: %w", s.path, err)
	}

	return nil
}
