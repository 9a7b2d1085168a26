package embedstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mediasense/embedstore/config"
	"github.com/mediasense/embedstore/distance"
	"github.com/mediasense/embedstore/index"
	"github.com/mediasense/embedstore/index/flat"
	"github.com/mediasense/embedstore/index/hnsw"
	"github.com/mediasense/embedstore/index/ivf"
	"github.com/mediasense/embedstore/metastore"
	"github.com/mediasense/embedstore/persistence"
	"github.com/mediasense/embedstore/resource"
)

// batchChunkSize bounds peak memory for very large batches. Chunking is
// invisible to callers: results are identical to an unchunked add.
const batchChunkSize = 1000

// State describes the store lifecycle. A store moves strictly forward:
// Uninitialized, Initializing, Ready, Closed.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// SearchResult is one ranked hit: the embedding id, its raw distance, the
// derived similarity, and the joined metadata record.
type SearchResult struct {
	ID         string
	Distance   float32
	Similarity float64
	Metadata   metastore.Record
}

// SearchOptions tunes a single search call.
type SearchOptions struct {
	// Filter drops results whose metadata does not match. Applied after
	// the similarity threshold.
	Filter metastore.Predicate
}

// Store composes the vector index, the metadata store, and the resource
// monitor behind one add/search/get/delete contract. At every observable
// point the index and metadata collections are in 1:1 correspondence.
type Store struct {
	cfg     config.Config
	logger  *Logger
	metrics MetricsCollector

	idx        index.Index
	meta       *metastore.Store
	manager    *persistence.Manager
	monitor    *resource.Monitor
	ownMonitor bool

	state atomic.Int32

	mu      sync.RWMutex
	idToPos map[string]int64
	posToID map[int64]string
	nextID  int64
}

// New builds a store from cfg. If snapshots exist at the configured paths
// they are loaded and reconciled; otherwise the store starts empty.
func New(cfg config.Config, optFns ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, translateError(err)
	}

	o := applyOptions(optFns)

	s := &Store{
		cfg:     cfg,
		logger:  o.logger,
		metrics: o.metricsCollector,
		idToPos: make(map[string]int64),
		posToID: make(map[int64]string),
		nextID:  1,
	}
	s.state.Store(int32(StateInitializing))

	idx, err := newIndex(cfg)
	if err != nil {
		return nil, translateError(err)
	}
	s.idx = idx

	meta, err := metastore.New(cfg.MetadataPath, func(mo *metastore.Options) {
		mo.AutoSave = cfg.AutoSave
	})
	if err != nil {
		return nil, translateError(err)
	}
	s.meta = meta

	manager, err := persistence.NewManager(cfg.IndexPath, func(po *persistence.Options) {
		po.Codec = cfg.Codec()
		po.IOLimitBytesPerSec = cfg.IOLimitBytesPerSec
	})
	if err != nil {
		return nil, translateError(err)
	}
	s.manager = manager

	if o.monitor != nil {
		s.monitor = o.monitor
	} else {
		s.monitor = resource.NewMonitor(resource.Limits{
			MaxVectors:            cfg.MaxVectors,
			MaxMemoryBytes:        cfg.CacheSizeBytes,
			MaxConcurrentSearches: cfg.MaxConcurrentSearches,
			SampleInterval:        cfg.SampleInterval,
		}, func(ro *resource.Options) { ro.Logger = s.logger.Logger })
		s.ownMonitor = true
	}

	if err := s.restore(context.Background()); err != nil {
		if s.ownMonitor {
			s.monitor.Close()
		}
		return nil, translateError(err)
	}

	s.state.Store(int32(StateReady))
	s.logger.Info("store ready",
		"index_type", cfg.IndexType,
		"dimension", cfg.Dimension,
		"vectors", s.idx.Size(),
	)

	return s, nil
}

func newIndex(cfg config.Config) (index.Index, error) {
	switch cfg.Kind() {
	case index.KindFlat:
		return flat.New(cfg.Dimension)
	case index.KindHNSW:
		return hnsw.New(cfg.Dimension)
	case index.KindIVF:
		return ivf.New(cfg.Dimension)
	default:
		return nil, index.ErrUnknownKind
	}
}

// restore loads the index snapshot, rebuilds the id maps, and drops any
// entry present on only one side of the index/metadata pair.
func (s *Store) restore(ctx context.Context) error {
	mapping, err := s.manager.Load(ctx, s.idx)
	if err != nil {
		if errors.Is(err, persistence.ErrSnapshotNotFound) {
			// Fresh index. Metadata without vectors is orphaned.
			if s.meta.Len() > 0 {
				s.logger.Warn("dropping orphaned metadata", "count", s.meta.Len())
				if err := s.meta.Clear(); err != nil {
					return err
				}
			}
			return nil
		}
		return err
	}

	for id, pos := range mapping {
		if _, err := s.meta.Get(id); err != nil {
			// Index entry without metadata; remove the vector.
			s.logger.Warn("dropping orphaned index entry", "id", id)
			if rmErr := s.idx.Remove(pos); rmErr != nil {
				return rmErr
			}
			continue
		}
		s.idToPos[id] = pos
		s.posToID[pos] = id
		// Keep generated ids monotonic across restarts.
		if n, err := strconv.ParseInt(id, 10, 64); err == nil && n >= s.nextID {
			s.nextID = n + 1
		}
	}

	for _, id := range s.meta.IDs() {
		if _, ok := s.idToPos[id]; !ok {
			s.logger.Warn("dropping orphaned metadata", "id", id)
			if err := s.meta.Delete(id); err != nil {
				return err
			}
		}
	}

	s.monitor.CommitVectors(len(s.idToPos), int64(len(s.idToPos))*s.vectorBytes())
	return nil
}

func (s *Store) vectorBytes() int64 {
	return int64(s.cfg.Dimension) * 4
}

// nextIDLocked returns the next generated id: a monotonically increasing
// counter rendered as a string, skipping ids already taken. Caller holds
// s.mu for writing.
func (s *Store) nextIDLocked(taken map[string]struct{}) string {
	for {
		id := strconv.FormatInt(s.nextID, 10)
		s.nextID++
		if _, ok := s.idToPos[id]; ok {
			continue
		}
		if _, ok := taken[id]; ok {
			continue
		}
		return id
	}
}

// State returns the current lifecycle state.
func (s *Store) State() State {
	return State(s.state.Load())
}

func (s *Store) requireReady() error {
	switch State(s.state.Load()) {
	case StateReady:
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return fmt.Errorf("%w: store not ready", ErrStorageOperation)
	}
}

func (s *Store) validateVector(v []float32) error {
	if len(v) != s.cfg.Dimension {
		return &ErrDimensionMismatch{Expected: s.cfg.Dimension, Actual: len(v)}
	}
	if !distance.IsFinite(v) {
		return fmt.Errorf("%w: vector contains NaN or Inf", ErrValidation)
	}
	return nil
}

// Add stores one embedding with its metadata and returns the embedding id.
// If id is empty the store assigns the next counter id. Validation, quota,
// and write failures leave the store unchanged. With auto-save on, a failed
// snapshot write after the commit surfaces as an error while the embedding
// stays stored in memory; the next successful save persists it.
func (s *Store) Add(ctx context.Context, vector []float32, record metastore.Record, id string) (string, error) {
	start := time.Now()
	id, err := s.add(ctx, vector, record, id)

	s.metrics.RecordAdd(time.Since(start), err)
	s.logger.LogAdd(ctx, id, len(vector), err)

	return id, translateError(err)
}

func (s *Store) add(ctx context.Context, vector []float32, record metastore.Record, id string) (string, error) {
	if err := s.requireReady(); err != nil {
		return id, err
	}
	if err := s.validateVector(vector); err != nil {
		return id, err
	}
	if err := record.Validate(); err != nil {
		return id, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = s.nextIDLocked(nil)
	} else if _, ok := s.idToPos[id]; ok {
		return id, fmt.Errorf("%w: %q", metastore.ErrDuplicateID, id)
	}
	if err := s.monitor.CheckVectorAdd(1, s.vectorBytes()); err != nil {
		return id, err
	}

	// Metadata first; roll it back if the index append fails.
	if err := s.meta.Add(id, record); err != nil {
		return id, err
	}
	pos, err := s.idx.Add([][]float32{vector})
	if err != nil {
		if rbErr := s.meta.Delete(id); rbErr != nil {
			s.logger.Error("metadata rollback failed", "id", id, "error", rbErr)
		}
		return id, err
	}

	s.idToPos[id] = pos
	s.posToID[pos] = id
	s.monitor.CommitVectors(1, s.vectorBytes())

	if s.cfg.AutoSave {
		if err := s.saveIndexLocked(ctx); err != nil {
			return id, err
		}
	}

	return id, nil
}

// AddBatch stores several embeddings at once. Vectors are appended to the
// index as one matrix per chunk; metadata entries are added individually.
// All items are validated before anything is mutated, so a rejected batch
// leaves the store unchanged. The auto-save residue documented on Add
// applies here as well.
func (s *Store) AddBatch(ctx context.Context, vectors [][]float32, records []metastore.Record, ids []string) ([]string, error) {
	start := time.Now()
	out, err := s.addBatch(ctx, vectors, records, ids)

	s.metrics.RecordBatchAdd(len(vectors), time.Since(start), err)
	s.logger.LogBatchAdd(ctx, len(vectors), err)

	return out, translateError(err)
}

func (s *Store) addBatch(ctx context.Context, vectors [][]float32, records []metastore.Record, ids []string) ([]string, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	if len(vectors) != len(records) {
		return nil, fmt.Errorf("%w: %d vectors but %d metadata records", ErrValidation, len(vectors), len(records))
	}
	if ids != nil && len(ids) != len(vectors) {
		return nil, fmt.Errorf("%w: %d vectors but %d ids", ErrValidation, len(vectors), len(ids))
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	for i := range vectors {
		if err := s.validateVector(vectors[i]); err != nil {
			return nil, err
		}
		if err := records[i].Validate(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	assigned := make([]string, len(vectors))
	seen := make(map[string]struct{}, len(vectors))
	for i := range vectors {
		if ids != nil && ids[i] != "" {
			id := ids[i]
			if _, ok := seen[id]; ok {
				return nil, fmt.Errorf("%w: %q repeated within batch", metastore.ErrDuplicateID, id)
			}
			if _, ok := s.idToPos[id]; ok {
				return nil, fmt.Errorf("%w: %q", metastore.ErrDuplicateID, id)
			}
			assigned[i] = id
		} else {
			assigned[i] = s.nextIDLocked(seen)
		}
		seen[assigned[i]] = struct{}{}
	}
	if err := s.monitor.CheckVectorAdd(len(vectors), int64(len(vectors))*s.vectorBytes()); err != nil {
		return nil, err
	}

	for chunkStart := 0; chunkStart < len(vectors); chunkStart += batchChunkSize {
		chunkEnd := min(chunkStart+batchChunkSize, len(vectors))
		if err := s.addChunk(vectors[chunkStart:chunkEnd], records[chunkStart:chunkEnd], assigned[chunkStart:chunkEnd]); err != nil {
			return nil, err
		}
	}

	if s.cfg.AutoSave {
		if err := s.saveIndexLocked(ctx); err != nil {
			return nil, err
		}
	}

	return assigned, nil
}

// addChunk commits one pre-validated chunk. Caller holds the write lock.
func (s *Store) addChunk(vectors [][]float32, records []metastore.Record, ids []string) error {
	for i, id := range ids {
		if err := s.meta.Add(id, records[i]); err != nil {
			for _, added := range ids[:i] {
				if rbErr := s.meta.Delete(added); rbErr != nil {
					s.logger.Error("metadata rollback failed", "id", added, "error", rbErr)
				}
			}
			return err
		}
	}

	first, err := s.idx.Add(vectors)
	if err != nil {
		for _, id := range ids {
			if rbErr := s.meta.Delete(id); rbErr != nil {
				s.logger.Error("metadata rollback failed", "id", id, "error", rbErr)
			}
		}
		return err
	}

	for i, id := range ids {
		pos := first + int64(i)
		s.idToPos[id] = pos
		s.posToID[pos] = id
	}
	s.monitor.CommitVectors(len(vectors), int64(len(vectors))*s.vectorBytes())

	return nil
}

// Search returns up to k hits ordered by ascending distance. Similarity is
// 1/(1+distance); results below the configured threshold are dropped when
// threshold enforcement is on. Fewer than k results may be returned, never
// padded ones.
func (s *Store) Search(ctx context.Context, query []float32, k int, optFns ...func(o *SearchOptions)) ([]SearchResult, error) {
	start := time.Now()
	results, err := s.search(ctx, query, k, optFns...)

	s.metrics.RecordSearch(k, time.Since(start), err)
	s.logger.LogSearch(ctx, k, len(results), err)

	return results, translateError(err)
}

func (s *Store) search(ctx context.Context, query []float32, k int, optFns ...func(o *SearchOptions)) ([]SearchResult, error) {
	opts := SearchOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := s.requireReady(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrValidation, k)
	}
	if err := s.validateVector(query); err != nil {
		return nil, err
	}

	if err := s.monitor.BeginSearch(); err != nil {
		return nil, err
	}
	defer s.monitor.EndSearch()

	s.mu.RLock()
	defer s.mu.RUnlock()

	hits, err := s.idx.Search(query, k)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		if hit.Position == index.SentinelPosition {
			continue
		}
		id, ok := s.posToID[hit.Position]
		if !ok {
			continue
		}
		record, err := s.meta.Get(id)
		if err != nil {
			return nil, err
		}

		similarity := 1 / (1 + float64(hit.Distance))
		if s.cfg.EnforceThreshold && similarity < s.cfg.SimilarityThreshold {
			continue
		}
		if opts.Filter != nil && !opts.Filter.Matches(record) {
			continue
		}

		results = append(results, SearchResult{
			ID:         id,
			Distance:   hit.Distance,
			Similarity: similarity,
			Metadata:   record,
		})
	}

	return results, nil
}

// Get returns the stored vector and metadata for id. Index kinds without
// positional reconstruction fail with an unsupported-operation error rather
// than returning garbage.
func (s *Store) Get(ctx context.Context, id string) ([]float32, metastore.Record, error) {
	if err := s.requireReady(); err != nil {
		return nil, metastore.Record{}, translateError(err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.idToPos[id]
	if !ok {
		return nil, metastore.Record{}, translateError(fmt.Errorf("%w: %q", metastore.ErrNotFound, id))
	}

	vector, err := s.idx.Reconstruct(pos)
	if err != nil {
		return nil, metastore.Record{}, translateError(err)
	}
	record, err := s.meta.Get(id)
	if err != nil {
		return nil, metastore.Record{}, translateError(err)
	}

	return vector, record, nil
}

// Delete removes id from both collections. The index removal only runs
// after the metadata removal succeeds, preserving the 1:1 invariant.
func (s *Store) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := s.delete(ctx, id)

	s.metrics.RecordDelete(time.Since(start), err)
	s.logger.LogDelete(ctx, id, err)

	return translateError(err)
}

func (s *Store) delete(ctx context.Context, id string) error {
	if err := s.requireReady(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.meta.Delete(id); err != nil {
		return err
	}

	pos, ok := s.idToPos[id]
	if !ok {
		return fmt.Errorf("id %q had metadata but no index position", id)
	}
	if err := s.idx.Remove(pos); err != nil {
		return err
	}

	delete(s.idToPos, id)
	delete(s.posToID, pos)
	s.monitor.ReleaseVectors(1, s.vectorBytes())

	if s.cfg.AutoSave {
		return s.saveIndexLocked(ctx)
	}
	return nil
}

// Clear removes every embedding and resets the index.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.requireReady(); err != nil {
		return translateError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.meta.Clear(); err != nil {
		return translateError(err)
	}

	idx, err := newIndex(s.cfg)
	if err != nil {
		return translateError(err)
	}
	s.idx = idx
	s.idToPos = make(map[string]int64)
	s.posToID = make(map[int64]string)
	s.monitor.Reset()

	if s.cfg.AutoSave {
		return translateError(s.saveIndexLocked(ctx))
	}
	return nil
}

// Save persists both collections: the metadata document and the index
// snapshot with its id mapping.
func (s *Store) Save(ctx context.Context) error {
	start := time.Now()
	err := s.save(ctx)

	s.metrics.RecordSave(time.Since(start), err)
	s.logger.LogSave(ctx, s.cfg.IndexPath, s.cfg.MetadataPath, err)

	return translateError(err)
}

func (s *Store) save(ctx context.Context) error {
	if err := s.requireReady(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.meta.Save(); err != nil {
		return err
	}
	return s.saveIndexLocked(ctx)
}

// saveIndexLocked snapshots the index and id mapping. Caller holds s.mu in
// either mode.
func (s *Store) saveIndexLocked(ctx context.Context) error {
	mapping := make(map[string]int64, len(s.idToPos))
	for id, pos := range s.idToPos {
		mapping[id] = pos
	}
	return s.manager.Save(ctx, s.idx, mapping)
}

// Size returns the number of stored embeddings.
func (s *Store) Size() (int64, error) {
	if err := s.requireReady(); err != nil {
		return 0, translateError(err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.idx.Size(), nil
}

// Config returns the store configuration.
func (s *Store) Config() config.Config {
	return s.cfg
}

// Close persists state when auto-save is on, then moves the store to its
// terminal state. Close is idempotent; every other operation on a closed
// store fails.
func (s *Store) Close(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateReady), int32(StateClosed)) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.cfg.AutoSave {
		if err := s.meta.Save(); err != nil {
			firstErr = err
		}
		if err := s.saveIndexLocked(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.manager.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.ownMonitor {
		s.monitor.Close()
	}

	s.logger.Info("store closed")
	return translateError(firstErr)
}
