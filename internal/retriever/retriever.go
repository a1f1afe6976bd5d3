// Package retriever answers "what do we already know about this subject":
// it embeds the subject once, queries every collection concurrently with
// project isolation, and assembles the ranked results into a bundle.
//
// Collections are bulkheads: a failure or timeout in one is logged and
// degraded to an empty section, never allowed to block or null out the
// others. Running against a completely empty store is a normal state that
// yields an empty bundle.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/womba/contextengine/internal/embedding"
	"github.com/womba/contextengine/internal/store"
)

// Default per-collection result caps, from the shape of past usage: a few
// high-signal plans and docs, a wider net over existing tests.
var DefaultTopK = map[string]int{
	store.TestPlans:     5,
	store.Documentation: 5,
	store.IssueRecords:  5,
	store.ExistingTests: 10,
}

// DefaultQueryTimeout bounds each collection query independently.
const DefaultQueryTimeout = 10 * time.Second

// Section is the outcome for one collection: either its ranked, deduped
// records or the failure that produced an empty section. Degradation is a
// data shape here, not a thrown error.
type Section struct {
	Collection string
	Records    []store.ScoredRecord
	Err        error
}

// Bundle is the ephemeral, request-scoped aggregate of all sections, in
// the fixed collection order. It is built fresh per retrieval and not
// persisted.
type Bundle struct {
	Subject    string
	ProjectKey string
	Sections   []Section
}

// HasContext reports whether at least one collection returned a record.
// Callers use it to avoid claiming grounding when the store is empty.
func (b *Bundle) HasContext() bool {
	for _, s := range b.Sections {
		if len(s.Records) > 0 {
			return true
		}
	}
	return false
}

// Section returns the section for a collection, or nil.
func (b *Bundle) Section(collection string) *Section {
	for i := range b.Sections {
		if b.Sections[i].Collection == collection {
			return &b.Sections[i]
		}
	}
	return nil
}

// Summary is a one-line account of what was retrieved.
func (b *Bundle) Summary() string {
	counts := make(map[string]int, len(b.Sections))
	for _, s := range b.Sections {
		counts[s.Collection] = len(s.Records)
	}
	return fmt.Sprintf("retrieved: %d test plans, %d docs, %d issue records, %d existing tests",
		counts[store.TestPlans], counts[store.Documentation],
		counts[store.IssueRecords], counts[store.ExistingTests])
}

// BuildSubject composes a retrieval subject from the parts of a story:
// summary, a truncated description and the component list.
func BuildSubject(summary, description string, components []string) string {
	subject := summary
	if description != "" {
		if runes := []rune(description); len(runes) > 500 {
			description = string(runes[:500])
		}
		subject += "\n" + description
	}
	if len(components) > 0 {
		subject += "\nComponents:"
		for i, c := range components {
			if i > 0 {
				subject += ","
			}
			subject += " " + c
		}
	}
	return subject
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithTopK overrides the result cap for one collection.
func WithTopK(collection string, k int) Option {
	return func(r *Retriever) {
		if k > 0 {
			r.topK[collection] = k
		}
	}
}

// WithQueryTimeout sets the per-collection query timeout.
func WithQueryTimeout(d time.Duration) Option {
	return func(r *Retriever) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Retriever) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Retriever queries the store for context similar to a subject.
type Retriever struct {
	provider embedding.Provider
	store    store.Store
	topK     map[string]int
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a Retriever with the default caps and timeout.
func New(provider embedding.Provider, st store.Store, opts ...Option) *Retriever {
	r := &Retriever{
		provider: provider,
		store:    st,
		topK:     make(map[string]int, len(DefaultTopK)),
		timeout:  DefaultQueryTimeout,
		logger:   slog.Default(),
	}
	for k, v := range DefaultTopK {
		r.topK[k] = v
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve embeds the subject once and queries every collection with the
// project filter. It returns an error only when the subject cannot be
// embedded or every collection query failed; any smaller failure degrades
// to an empty section.
func (r *Retriever) Retrieve(ctx context.Context, subject, projectKey string) (*Bundle, error) {
	if subject == "" {
		return nil, fmt.Errorf("subject is empty")
	}
	if projectKey == "" {
		return nil, fmt.Errorf("project key is required")
	}

	vector, err := r.provider.EmbedQuery(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("embedding subject: %w", err)
	}

	filter := map[string]string{store.MetaProjectKey: projectKey}
	collections := store.Collections()
	sections := make([]Section, len(collections))

	// Fan out one isolated query per collection; each goroutine writes
	// only its own slot, merged after the join.
	var wg sync.WaitGroup
	for i, collection := range collections {
		wg.Add(1)
		go func(i int, collection string) {
			defer wg.Done()
			sections[i] = r.queryCollection(ctx, collection, vector, filter)
		}(i, collection)
	}
	wg.Wait()

	failed := 0
	for _, s := range sections {
		if s.Err != nil {
			failed++
		}
	}
	if failed == len(sections) {
		return nil, fmt.Errorf("%w: every collection query failed", store.ErrStoreUnavailable)
	}

	bundle := &Bundle{Subject: subject, ProjectKey: projectKey, Sections: sections}
	r.logger.Info("retrieved context", "project_key", projectKey, "summary", bundle.Summary())
	return bundle, nil
}

// queryCollection runs one bounded, isolated collection query. Failures
// and timeouts become an empty section with the error recorded.
func (r *Retriever) queryCollection(ctx context.Context, collection string, vector []float32, filter map[string]string) Section {
	qctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	records, err := r.store.Query(qctx, collection, vector, r.topK[collection], filter)
	if err != nil {
		r.logger.Warn("collection query failed, returning empty section",
			"collection", collection, "error", err)
		return Section{Collection: collection, Err: err}
	}
	return Section{Collection: collection, Records: dedupeByReference(records)}
}

// dedupeByReference keeps the best-scoring record per reference key, so a
// document indexed as several chunks appears once. Input is ranked, so the
// first occurrence wins and ranking is preserved.
func dedupeByReference(records []store.ScoredRecord) []store.ScoredRecord {
	seen := make(map[string]bool, len(records))
	out := records[:0:0]
	for _, rec := range records {
		key := rec.Record.Metadata[store.MetaReferenceKey]
		if key == "" {
			out = append(out, rec)
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, rec)
	}
	return out
}
