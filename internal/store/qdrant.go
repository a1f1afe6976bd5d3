package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"
)

// qdrantUpsertBatch is the number of points per upsert call.
const qdrantUpsertBatch = 100

// payloadTextKey holds the record text inside the point payload; all other
// payload fields are record metadata.
const payloadTextKey = "text"

// indexedFields are payload fields that receive keyword indexes. Without
// these, filtered queries degrade badly on large collections.
var indexedFields = []string{MetaProjectKey, MetaSourceType, MetaReferenceKey, MetaTimestamp}

// QdrantConfig holds configuration for the Qdrant backend.
type QdrantConfig struct {
	Host       string
	Port       int
	VectorSize int
}

// QdrantStore implements Store against an external Qdrant server over gRPC.
// Each logical collection maps to one Qdrant collection of the same name.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *slog.Logger
	writes *writeClock
}

// NewQdrantStore connects to Qdrant, verifies health with retry and ensures
// all collections exist. Fails fast if the server is unreachable.
func NewQdrantStore(config QdrantConfig, logger *slog.Logger) (*QdrantStore, error) {
	if config.VectorSize <= 0 {
		return nil, fmt.Errorf("invalid vector size %d", config.VectorSize)
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: config.Host,
		Port: config.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating qdrant client: %v", ErrStoreUnavailable, err)
	}

	s := &QdrantStore{
		client: client,
		config: config,
		logger: logger,
		writes: newWriteClock(),
	}

	ctx := context.Background()
	if err := s.healthCheckWithRetry(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := s.ensureCollections(ctx); err != nil {
		client.Close()
		return nil, err
	}

	logger.Info("qdrant store connected", "host", config.Host, "port", config.Port)
	return s, nil
}

// healthCheckWithRetry pings Qdrant with exponential backoff.
// Initial interval 500ms, max interval 10s, max elapsed 30s.
func (s *QdrantStore) healthCheckWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		result, err := s.client.HealthCheck(ctx)
		if err != nil {
			return err
		}
		if result == nil || result.Title == "" {
			return fmt.Errorf("health check returned invalid response")
		}
		return nil
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

// ensureCollections creates every missing collection with cosine distance
// and payload indexes on the filterable fields. Idempotent.
func (s *QdrantStore) ensureCollections(ctx context.Context) error {
	existing, err := s.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("%w: listing collections: %v", ErrStoreUnavailable, err)
	}
	present := make(map[string]bool, len(existing))
	for _, name := range existing {
		present[name] = true
	}

	for _, name := range Collections() {
		if present[name] {
			continue
		}
		if err := s.createCollection(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (s *QdrantStore) createCollection(ctx context.Context, name string) error {
	err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.config.VectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("%w: creating collection %s: %v", ErrStoreUnavailable, name, err)
	}

	for _, field := range indexedFields {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: name,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("%w: indexing field %s on %s: %v", ErrStoreUnavailable, field, name, err)
		}
	}
	return nil
}

// upsertWithRetry performs one upsert call with exponential backoff.
func (s *QdrantStore) upsertWithRetry(ctx context.Context, collection string, points []*qdrant.PointStruct) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Points:         points,
		})
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

// Upsert inserts or replaces records by ID in batches of 100.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, records []Record) ([]string, error) {
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

	var committed []string
	for i := 0; i < len(records); i += qdrantUpsertBatch {
		end := min(i+qdrantUpsertBatch, len(records))
		batch := records[i:end]

		points := make([]*qdrant.PointStruct, len(batch))
		for j, rec := range batch {
			payload := map[string]any{payloadTextKey: rec.Text}
			for k, v := range rec.Metadata {
				payload[k] = v
			}
			points[j] = &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(rec.ID),
				Vectors: qdrant.NewVectors(rec.Vector...),
				Payload: qdrant.NewValueMap(payload),
			}
		}

		if err := s.upsertWithRetry(ctx, collection, points); err != nil {
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

// buildFilter converts an equality map to a Qdrant conjunction filter.
func buildFilter(filter map[string]string) *qdrant.Filter {
	if len(filter) == 0 {
		return nil
	}
	must := make([]*qdrant.Condition, 0, len(filter))
	for k, v := range filter {
		must = append(must, qdrant.NewMatch(k, v))
	}
	return &qdrant.Filter{Must: must}
}

// Query performs filtered similarity search. The filter is pushed into
// Qdrant so the top-k cap applies to the filtered population.
func (s *QdrantStore) Query(ctx context.Context, collection string, vector []float32, topK int, filter map[string]string) ([]ScoredRecord, error) {
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

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         buildFilter(filter),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: querying %s: %v", ErrStoreUnavailable, collection, err)
	}

	scored := make([]ScoredRecord, 0, len(results))
	for _, result := range results {
		rec := Record{
			ID:       result.Id.GetUuid(),
			Metadata: make(map[string]string, len(result.Payload)),
		}
		for k, val := range result.Payload {
			if k == payloadTextKey {
				rec.Text = val.GetStringValue()
				continue
			}
			rec.Metadata[k] = val.GetStringValue()
		}
		scored = append(scored, ScoredRecord{Record: rec, Score: result.Score})
	}
	rankResults(scored)
	return scored, nil
}

// Contains reports whether a record with the given ID exists.
func (s *QdrantStore) Contains(ctx context.Context, collection, id string) (bool, error) {
	if !ValidCollection(collection) {
		return false, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	result, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            []*qdrant.PointId{qdrant.NewIDUUID(id)},
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return false, fmt.Errorf("%w: getting point from %s: %v", ErrStoreUnavailable, collection, err)
	}
	return len(result) > 0, nil
}

// Delete removes all records matching the equality filter.
func (s *QdrantStore) Delete(ctx context.Context, collection string, filter map[string]string) error {
	if !ValidCollection(collection) {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	if len(filter) == 0 {
		return fmt.Errorf("delete requires a non-empty filter")
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelectorFilter(buildFilter(filter)),
	})
	if err != nil {
		return fmt.Errorf("%w: deleting from %s: %v", ErrStoreUnavailable, collection, err)
	}
	s.writes.touch(collection)
	return nil
}

// Stats returns the per-collection statistics view using the collection
// point count, without scanning records.
func (s *QdrantStore) Stats(ctx context.Context, collection string) (*CollectionStats, error) {
	if !ValidCollection(collection) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	info, err := s.client.GetCollectionInfo(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("%w: getting collection %s: %v", ErrStoreUnavailable, collection, err)
	}
	return &CollectionStats{
		Name:      collection,
		Count:     int(info.GetPointsCount()),
		LastWrite: s.writes.last(collection),
	}, nil
}

// StatsAll returns statistics for every collection.
func (s *QdrantStore) StatsAll(ctx context.Context) (*StoreStats, error) {
	all := &StoreStats{
		Provider:    "qdrant",
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

// Clear drops and recreates one collection.
func (s *QdrantStore) Clear(ctx context.Context, collection string) error {
	if !ValidCollection(collection) {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	if err := s.client.DeleteCollection(ctx, collection); err != nil {
		return fmt.Errorf("%w: deleting collection %s: %v", ErrStoreUnavailable, collection, err)
	}
	if err := s.createCollection(ctx, collection); err != nil {
		return err
	}
	s.writes.reset(collection)
	s.logger.Info("cleared collection", "collection", collection)
	return nil
}

// ClearAll clears every collection.
func (s *QdrantStore) ClearAll(ctx context.Context) error {
	for _, name := range Collections() {
		if err := s.Clear(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
