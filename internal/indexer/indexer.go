// Package indexer normalizes heterogeneous source documents into store
// records and upserts them into the right collection. Indexing is
// idempotent: unchanged content is skipped without an embedding call, and
// changed content replaces the prior version of the same logical document.
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/womba/contextengine/internal/chunk"
	"github.com/womba/contextengine/internal/embedding"
	"github.com/womba/contextengine/internal/store"
)

// SourceType tags the origin of a document and selects its collection.
type SourceType string

const (
	SourceTestPlan      SourceType = "test_plan"
	SourceDocumentation SourceType = "documentation"
	SourceIssueRecord   SourceType = "issue_record"
	SourceExistingTest  SourceType = "existing_test"
)

// Collection returns the store collection for this source type.
func (t SourceType) Collection() (string, error) {
	switch t {
	case SourceTestPlan:
		return store.TestPlans, nil
	case SourceDocumentation:
		return store.Documentation, nil
	case SourceIssueRecord:
		return store.IssueRecords, nil
	case SourceExistingTest:
		return store.ExistingTests, nil
	}
	return "", fmt.Errorf("unknown source type %q", string(t))
}

// idNamespace is the UUIDv5 namespace for record identities.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("contextengine.womba.dev"))

// SourceDocument is the normalized inbound shape. Collaborators supply
// these tuples; the indexer makes no assumption about how they were
// obtained.
type SourceDocument struct {
	Type         SourceType
	ProjectKey   string
	ReferenceKey string // story key, test key or doc id
	Title        string
	Text         string
	Timestamp    time.Time // defaults to indexing time
}

// canonicalText is the content that gets hashed and embedded. The title is
// folded in so it contributes to similarity.
func (d SourceDocument) canonicalText() string {
	text := strings.TrimSpace(d.Text)
	title := strings.TrimSpace(d.Title)
	if title == "" || strings.Contains(text, title) {
		return text
	}
	return title + "\n\n" + text
}

func (d SourceDocument) validate() error {
	if _, err := d.Type.Collection(); err != nil {
		return err
	}
	if d.ProjectKey == "" {
		return fmt.Errorf("document %q: project key is required", d.ReferenceKey)
	}
	if d.ReferenceKey == "" {
		return fmt.Errorf("document: reference key is required")
	}
	if strings.TrimSpace(d.Text) == "" {
		return fmt.Errorf("document %q: text is empty", d.ReferenceKey)
	}
	return nil
}

// Item is the per-document outcome of an indexing run.
type Item struct {
	ReferenceKey string
	Collection   string
	RecordIDs    []string
	Skipped      bool // content unchanged, nothing written
	Err          error
}

// Manifest reports per-item outcomes for a batch. One document's failure
// never aborts the rest of the batch.
type Manifest struct {
	Items    []Item
	Duration time.Duration
}

// Succeeded counts items that were indexed or skipped as unchanged.
func (m *Manifest) Succeeded() int {
	n := 0
	for _, it := range m.Items {
		if it.Err == nil {
			n++
		}
	}
	return n
}

// Failed counts items that errored.
func (m *Manifest) Failed() int {
	return len(m.Items) - m.Succeeded()
}

// Indexer writes normalized documents into the vector store.
type Indexer struct {
	provider embedding.Provider
	store    store.Store
	splitter *chunk.Splitter
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Indexer. A nil splitter gets the default; a nil logger
// gets slog.Default().
func New(provider embedding.Provider, st store.Store, splitter *chunk.Splitter, logger *slog.Logger) *Indexer {
	if splitter == nil {
		splitter = chunk.NewSplitter()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		provider: provider,
		store:    st,
		splitter: splitter,
		logger:   logger,
		now:      time.Now,
	}
}

// recordID derives the deterministic identity of one piece of a document:
// UUIDv5 over source type, reference key, content hash and piece index.
func recordID(t SourceType, referenceKey, contentHash string, piece int) string {
	name := fmt.Sprintf("%s|%s|%s|%d", t, referenceKey, contentHash, piece)
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

// Index writes one document and returns the IDs of its records (several
// when the document was chunked). Re-indexing unchanged content is a no-op
// returning the IDs of the live records.
func (ix *Indexer) Index(ctx context.Context, doc SourceDocument) ([]string, error) {
	ids, _, err := ix.index(ctx, doc)
	return ids, err
}

func (ix *Indexer) index(ctx context.Context, doc SourceDocument) ([]string, bool, error) {
	if err := doc.validate(); err != nil {
		return nil, false, err
	}
	collection, _ := doc.Type.Collection()

	text := doc.canonicalText()
	sum := sha256.Sum256([]byte(text))
	contentHash := hex.EncodeToString(sum[:])

	// The split is deterministic, so piece IDs can be derived without
	// touching the store.
	pieces := ix.splitter.Split(text)
	ids := make([]string, len(pieces))
	for i, p := range pieces {
		ids[i] = recordID(doc.Type, doc.ReferenceKey, contentHash, p.Index)
	}

	exists, err := ix.store.Contains(ctx, collection, ids[0])
	if err != nil {
		return nil, false, fmt.Errorf("checking %s: %w", doc.ReferenceKey, err)
	}
	if exists {
		ix.logger.Debug("content unchanged, skipping",
			"collection", collection, "reference_key", doc.ReferenceKey)
		return ids, true, nil
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}

	vectors, err := ix.provider.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, false, fmt.Errorf("embedding %s: %w", doc.ReferenceKey, err)
	}

	// Changed content fully replaces the prior version of this logical
	// document; stale chunks must not survive a re-index.
	err = ix.store.Delete(ctx, collection, map[string]string{
		store.MetaProjectKey:   doc.ProjectKey,
		store.MetaReferenceKey: doc.ReferenceKey,
	})
	if err != nil {
		return nil, false, fmt.Errorf("replacing %s: %w", doc.ReferenceKey, err)
	}

	timestamp := doc.Timestamp
	if timestamp.IsZero() {
		timestamp = ix.now()
	}
	ts := timestamp.UTC().Format(time.RFC3339)

	records := make([]store.Record, len(pieces))
	for i, p := range pieces {
		meta := map[string]string{
			store.MetaProjectKey:   doc.ProjectKey,
			store.MetaSourceType:   string(doc.Type),
			store.MetaReferenceKey: doc.ReferenceKey,
			store.MetaTimestamp:    ts,
			store.MetaChunkIndex:   strconv.Itoa(p.Index),
			store.MetaContentHash:  contentHash,
		}
		if doc.Title != "" {
			meta[store.MetaTitle] = doc.Title
		}
		if p.Section != "" {
			meta["section"] = p.Section
		}
		records[i] = store.Record{
			ID:       ids[i],
			Text:     p.Text,
			Vector:   vectors[i],
			Metadata: meta,
		}
	}

	ids, err = ix.store.Upsert(ctx, collection, records)
	if err != nil {
		return ids, false, fmt.Errorf("storing %s: %w", doc.ReferenceKey, err)
	}

	ix.logger.Info("indexed document",
		"collection", collection,
		"reference_key", doc.ReferenceKey,
		"records", len(ids))
	return ids, false, nil
}

// IndexBatch indexes documents one by one and reports a per-item manifest.
// A failure on one document never aborts the others.
func (ix *Indexer) IndexBatch(ctx context.Context, docs []SourceDocument) *Manifest {
	start := ix.now()
	manifest := &Manifest{Items: make([]Item, 0, len(docs))}

	for _, doc := range docs {
		collection, _ := doc.Type.Collection()
		item := Item{ReferenceKey: doc.ReferenceKey, Collection: collection}

		ids, skipped, err := ix.index(ctx, doc)
		if err != nil {
			item.Err = err
			ix.logger.Warn("failed to index document",
				"collection", collection,
				"reference_key", doc.ReferenceKey,
				"error", err)
		} else {
			item.RecordIDs = ids
			item.Skipped = skipped
		}
		manifest.Items = append(manifest.Items, item)
	}

	manifest.Duration = time.Since(start)
	ix.logger.Info("batch indexed",
		"total", len(docs),
		"succeeded", manifest.Succeeded(),
		"failed", manifest.Failed(),
		"duration", manifest.Duration)
	return manifest
}
