// Package store provides named vector collections with upsert, filtered
// similarity query, statistics and maintenance operations.
//
// Two backends implement the Store interface: an embedded chromem-go store
// persisted to local disk (default, zero external services) and a Qdrant
// store speaking gRPC to an external server. Both enforce the same
// contracts: collections are independent namespaces, metadata filters are
// applied before ranking, and querying an empty collection returns an empty
// result, never an error.
package store

import (
	"context"
	"errors"
	"time"
)

// Collection names. The order of Collections() is the documented query order
// used by the retriever.
const (
	TestPlans     = "test_plans"
	Documentation = "documentation"
	IssueRecords  = "issue_records"
	ExistingTests = "existing_tests"
)

// Metadata keys present on every stored record.
const (
	MetaProjectKey   = "project_key"
	MetaSourceType   = "source_type"
	MetaReferenceKey = "reference_key"
	MetaTimestamp    = "timestamp" // RFC3339 UTC, used for tie-breaking only
	MetaChunkIndex   = "chunk_index"
	MetaTitle        = "title"
	MetaContentHash  = "content_hash"
)

// Sentinel errors for store operations.
var (
	// ErrStoreUnavailable indicates the persistence backend is unreachable
	// or failed an operation after retries.
	ErrStoreUnavailable = errors.New("vector store unavailable")

	// ErrUnknownCollection is returned for collection names outside the
	// fixed set.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrDimensionMismatch indicates a vector whose length does not match
	// the configured embedding dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Collections returns the fixed collection set in documented query order.
func Collections() []string {
	return []string{TestPlans, Documentation, IssueRecords, ExistingTests}
}

// ValidCollection reports whether name is one of the fixed collections.
func ValidCollection(name string) bool {
	switch name {
	case TestPlans, Documentation, IssueRecords, ExistingTests:
		return true
	}
	return false
}

// Record is the unit stored in a collection: canonical text, its embedding
// and scalar metadata. Records are replaced wholesale by ID, never patched.
type Record struct {
	ID       string
	Text     string
	Vector   []float32
	Metadata map[string]string
}

// ScoredRecord pairs a record with its similarity score for one query.
// Scores are comparable only within a single query.
type ScoredRecord struct {
	Record Record
	Score  float32
}

// CollectionStats is a lightweight per-collection view, computed without
// scanning records.
type CollectionStats struct {
	Name      string    `json:"name"`
	Count     int       `json:"count"`
	LastWrite time.Time `json:"last_write,omitempty"`
}

// StoreStats aggregates statistics across all collections.
type StoreStats struct {
	Provider       string                      `json:"provider"`
	Collections    map[string]*CollectionStats `json:"collections"`
	TotalDocuments int                         `json:"total_documents"`
}

// Store is the interface for vector collection storage.
//
// All mutation of persisted vectors goes through Upsert, Delete and Clear;
// no other component touches the underlying storage directly.
type Store interface {
	// Upsert inserts or replaces records by ID in batches. It returns the
	// IDs that were durably committed; on a mid-run failure the already
	// committed IDs are returned together with the error.
	Upsert(ctx context.Context, collection string, records []Record) ([]string, error)

	// Query returns at most topK records ordered by descending cosine
	// similarity, ties broken by most-recent timestamp metadata. The
	// filter is an equality conjunction evaluated before ranking. An
	// empty collection yields an empty slice and a nil error.
	Query(ctx context.Context, collection string, vector []float32, topK int, filter map[string]string) ([]ScoredRecord, error)

	// Contains reports whether a record with the given ID exists.
	Contains(ctx context.Context, collection, id string) (bool, error)

	// Delete removes all records matching the equality filter. Deleting
	// nothing is a no-op.
	Delete(ctx context.Context, collection string, filter map[string]string) error

	// Stats returns the per-collection statistics view.
	Stats(ctx context.Context, collection string) (*CollectionStats, error)

	// StatsAll returns statistics for every collection.
	StatsAll(ctx context.Context) (*StoreStats, error)

	// Clear removes every record in one collection. Destructive.
	Clear(ctx context.Context, collection string) error

	// ClearAll clears every collection. Destructive.
	ClearAll(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
