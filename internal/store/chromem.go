package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	chromem "github.com/philippgille/chromem-go"
)

// chromemUpsertBatch is the number of records committed per AddDocuments
// call. Each batch is atomic with respect to the reported committed IDs.
const chromemUpsertBatch = 100

// ChromemConfig holds configuration for the embedded chromem-go backend.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	Path string

	// Compress enables gzip compression of persisted records.
	Compress bool

	// VectorSize is the embedding dimension. Must match the embedding
	// provider configuration.
	VectorSize int
}

// ChromemStore implements Store with chromem-go, an embeddable pure-Go
// vector database persisted to local files. No external service required.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *slog.Logger
	writes *writeClock
}

// NewChromemStore opens (or creates) the persistent database at the
// configured path.
func NewChromemStore(config ChromemConfig, logger *slog.Logger) (*ChromemStore, error) {
	if config.Path == "" {
		return nil, errors.New("chromem store path is required")
	}
	if config.VectorSize <= 0 {
		return nil, fmt.Errorf("invalid vector size %d", config.VectorSize)
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(config.Path, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory %s: %w", config.Path, err)
	}

	db, err := chromem.NewPersistentDB(config.Path, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("%w: opening chromem db: %v", ErrStoreUnavailable, err)
	}

	logger.Info("chromem store opened", "path", config.Path, "vector_size", config.VectorSize)

	return &ChromemStore{
		db:     db,
		config: config,
		logger: logger,
		writes: newWriteClock(),
	}, nil
}

// noEmbedFunc satisfies chromem's collection API. Records always carry
// precomputed vectors and queries go through QueryEmbedding, so this must
// never run.
func noEmbedFunc(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("store does not embed; vectors are precomputed")
}

func (s *ChromemStore) getOrCreate(collection string) (*chromem.Collection, error) {
	c, err := s.db.GetOrCreateCollection(collection, nil, noEmbedFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: collection %s: %v", ErrStoreUnavailable, collection, err)
	}
	return c, nil
}

// Upsert inserts or replaces records by ID in batches of 100. chromem keys
// documents by ID, so re-adding an existing ID replaces it wholesale.
func (s *ChromemStore) Upsert(ctx context.Context, collection string, records []Record) ([]string, error) {
	if !ValidCollection(collection) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	if len(records) == 0 {
		return nil, nil
	}
	for i, rec := range records {
		if len(rec.Vector) != s.config.VectorSize {
			return nil, fmt.Errorf("%w: record %d has %d dimensions, expected %d",
				ErrDimensionMismatch, i, len(rec.Vector), s.config.VectorSize)
		}
	}

	col, err := s.getOrCreate(collection)
	if err != nil {
		return nil, err
	}

	var committed []string
	for i := 0; i < len(records); i += chromemUpsertBatch {
		end := min(i+chromemUpsertBatch, len(records))
		batch := records[i:end]

		docs := make([]chromem.Document, len(batch))
		for j, rec := range batch {
			meta := make(map[string]string, len(rec.Metadata))
			for k, v := range rec.Metadata {
				meta[k] = v
			}
			docs[j] = chromem.Document{
				ID:        rec.ID,
				Content:   rec.Text,
				Embedding: rec.Vector,
				Metadata:  meta,
			}
		}

		if err := col.AddDocuments(ctx, docs, 1); err != nil {
			return committed, fmt.Errorf("%w: upsert batch %d-%d: %v", ErrStoreUnavailable, i, end, err)
		}
		for _, rec := range batch {
			committed = append(committed, rec.ID)
		}
	}

	s.writes.touch(collection)
	s.logger.Debug("upserted records", "collection", collection, "count", len(committed))
	return committed, nil
}

// Query performs filtered similarity search. A missing or empty collection
// yields an empty result, never an error.
func (s *ChromemStore) Query(ctx context.Context, collection string, vector []float32, topK int, filter map[string]string) ([]ScoredRecord, error) {
	if !ValidCollection(collection) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	if topK <= 0 {
		return nil, fmt.Errorf("top_k must be positive, got %d", topK)
	}
	if len(vector) != s.config.VectorSize {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(vector), s.config.VectorSize)
	}

	col := s.db.GetCollection(collection, noEmbedFunc)
	if col == nil {
		return []ScoredRecord{}, nil
	}

	// chromem requires nResults <= document count; the filter is applied
	// inside the query before ranking.
	count := col.Count()
	if count == 0 {
		return []ScoredRecord{}, nil
	}
	k := min(topK, count)

	results, err := col.QueryEmbedding(ctx, vector, k, filter, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: querying %s: %v", ErrStoreUnavailable, collection, err)
	}

	scored := make([]ScoredRecord, 0, len(results))
	for _, r := range results {
		meta := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		scored = append(scored, ScoredRecord{
			Record: Record{ID: r.ID, Text: r.Content, Metadata: meta},
			Score:  r.Similarity,
		})
	}
	rankResults(scored)
	return scored, nil
}

// Contains reports whether a record with the given ID exists.
func (s *ChromemStore) Contains(ctx context.Context, collection, id string) (bool, error) {
	if !ValidCollection(collection) {
		return false, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	col := s.db.GetCollection(collection, noEmbedFunc)
	if col == nil {
		return false, nil
	}
	if _, err := col.GetByID(ctx, id); err != nil {
		// chromem only errors here when the document is absent.
		return false, nil
	}
	return true, nil
}

// Delete removes all records matching the equality filter.
func (s *ChromemStore) Delete(ctx context.Context, collection string, filter map[string]string) error {
	if !ValidCollection(collection) {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	if len(filter) == 0 {
		return errors.New("delete requires a non-empty filter")
	}
	col := s.db.GetCollection(collection, noEmbedFunc)
	if col == nil || col.Count() == 0 {
		return nil
	}
	if err := col.Delete(ctx, filter, nil); err != nil {
		return fmt.Errorf("%w: deleting from %s: %v", ErrStoreUnavailable, collection, err)
	}
	s.writes.touch(collection)
	return nil
}

// Stats returns the per-collection statistics view.
func (s *ChromemStore) Stats(ctx context.Context, collection string) (*CollectionStats, error) {
	if !ValidCollection(collection) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	stats := &CollectionStats{Name: collection, LastWrite: s.writes.last(collection)}
	if col := s.db.GetCollection(collection, noEmbedFunc); col != nil {
		stats.Count = col.Count()
	}
	return stats, nil
}

// StatsAll returns statistics for every collection.
func (s *ChromemStore) StatsAll(ctx context.Context) (*StoreStats, error) {
	all := &StoreStats{
		Provider:    "chromem",
		Collections: make(map[string]*CollectionStats, len(Collections())),
	}
	for _, name := range Collections() {
		stats, err := s.Stats(ctx, name)
		if err != nil {
			return nil, err
		}
		all.Collections[name] = stats
		all.TotalDocuments += stats.Count
	}
	return all, nil
}

// Clear removes every record in one collection.
func (s *ChromemStore) Clear(ctx context.Context, collection string) error {
	if !ValidCollection(collection) {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	if col := s.db.GetCollection(collection, noEmbedFunc); col == nil {
		return nil
	}
	if err := s.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("%w: clearing %s: %v", ErrStoreUnavailable, collection, err)
	}
	s.writes.reset(collection)
	s.logger.Info("cleared collection", "collection", collection)
	return nil
}

// ClearAll clears every collection.
func (s *ChromemStore) ClearAll(ctx context.Context) error {
	for _, name := range Collections() {
		if err := s.Clear(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Close releases resources. chromem persists on write, so there is nothing
// to flush.
func (s *ChromemStore) Close() error {
	return nil
}
