package store

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *ChromemStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewChromemStore(ChromemConfig{Path: t.TempDir(), VectorSize: 3}, logger)
	require.NoError(t, err)
	return s
}

func testRecord(id string, vector []float32, meta map[string]string) Record {
	if meta == nil {
		meta = map[string]string{}
	}
	return Record{ID: id, Text: "text for " + id, Vector: vector, Metadata: meta}
}

func TestNewChromemStoreValidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewChromemStore(ChromemConfig{VectorSize: 3}, logger)
	assert.Error(t, err)

	_, err = NewChromemStore(ChromemConfig{Path: t.TempDir()}, logger)
	assert.Error(t, err)
}

func TestChromemQueryEmptyCollection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	results, err := s.Query(ctx, TestPlans, []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemUpsertAndQueryRanked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids, err := s.Upsert(ctx, Documentation, []Record{
		testRecord("far", []float32{0, 1, 0}, nil),
		testRecord("close", []float32{0.8, 0.6, 0}, nil),
		testRecord("exact", []float32{1, 0, 0}, nil),
	})
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	results, err := s.Query(ctx, Documentation, []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "exact", results[0].Record.ID)
	assert.Equal(t, "close", results[1].Record.ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestChromemQueryTopKExceedsCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, TestPlans, []Record{
		testRecord("only", []float32{1, 0, 0}, nil),
	})
	require.NoError(t, err)

	results, err := s.Query(ctx, TestPlans, []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestChromemQueryProjectIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, IssueRecords, []Record{
		testRecord("plat-1", []float32{1, 0, 0}, map[string]string{MetaProjectKey: "PLAT"}),
		testRecord("plat-2", []float32{0.9, 0.1, 0}, map[string]string{MetaProjectKey: "PLAT"}),
		testRecord("core-1", []float32{1, 0, 0}, map[string]string{MetaProjectKey: "CORE"}),
	})
	require.NoError(t, err)

	results, err := s.Query(ctx, IssueRecords, []float32{1, 0, 0}, 10,
		map[string]string{MetaProjectKey: "PLAT"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "PLAT", r.Record.Metadata[MetaProjectKey])
	}
}

func TestChromemQueryFilterWithoutMatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, IssueRecords, []Record{
		testRecord("plat-1", []float32{1, 0, 0}, map[string]string{MetaProjectKey: "PLAT"}),
	})
	require.NoError(t, err)

	results, err := s.Query(ctx, IssueRecords, []float32{1, 0, 0}, 3,
		map[string]string{MetaProjectKey: "NOPE"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemQueryTieBreakByTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Identical vectors score identically; the newer record must rank first.
	_, err := s.Upsert(ctx, TestPlans, []Record{
		testRecord("old", []float32{1, 0, 0}, map[string]string{MetaTimestamp: "2024-01-01T00:00:00Z"}),
		testRecord("new", []float32{1, 0, 0}, map[string]string{MetaTimestamp: "2025-06-01T00:00:00Z"}),
	})
	require.NoError(t, err)

	results, err := s.Query(ctx, TestPlans, []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "new", results[0].Record.ID)
	assert.Equal(t, "old", results[1].Record.ID)
}

func TestChromemUpsertReplacesByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, Documentation, []Record{
		testRecord("doc-1", []float32{1, 0, 0}, nil),
	})
	require.NoError(t, err)

	updated := testRecord("doc-1", []float32{0, 1, 0}, nil)
	updated.Text = "replaced"
	_, err = s.Upsert(ctx, Documentation, []Record{updated})
	require.NoError(t, err)

	stats, err := s.Stats(ctx, Documentation)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Count)

	results, err := s.Query(ctx, Documentation, []float32{0, 1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "replaced", results[0].Record.Text)
}

func TestChromemDimensionMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, TestPlans, []Record{
		testRecord("bad", []float32{1, 0}, nil),
	})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = s.Query(ctx, TestPlans, []float32{1, 0}, 5, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestChromemUnknownCollection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, "nope", []Record{testRecord("x", []float32{1, 0, 0}, nil)})
	assert.ErrorIs(t, err, ErrUnknownCollection)

	_, err = s.Query(ctx, "nope", []float32{1, 0, 0}, 5, nil)
	assert.ErrorIs(t, err, ErrUnknownCollection)

	_, err = s.Stats(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownCollection)
}

func TestChromemContainsAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	meta := map[string]string{MetaProjectKey: "PLAT", MetaReferenceKey: "PLAT-1"}
	_, err := s.Upsert(ctx, ExistingTests, []Record{
		testRecord("keep", []float32{1, 0, 0}, map[string]string{MetaProjectKey: "PLAT", MetaReferenceKey: "PLAT-2"}),
		testRecord("drop-a", []float32{0, 1, 0}, meta),
		testRecord("drop-b", []float32{0, 0, 1}, meta),
	})
	require.NoError(t, err)

	exists, err := s.Contains(ctx, ExistingTests, "drop-a")
	require.NoError(t, err)
	assert.True(t, exists)

	err = s.Delete(ctx, ExistingTests, map[string]string{
		MetaProjectKey:   "PLAT",
		MetaReferenceKey: "PLAT-1",
	})
	require.NoError(t, err)

	exists, err = s.Contains(ctx, ExistingTests, "drop-a")
	require.NoError(t, err)
	assert.False(t, exists)

	stats, err := s.Stats(ctx, ExistingTests)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Count)
}

func TestChromemDeleteRequiresFilter(t *testing.T) {
	s := newTestStore(t)
	err := s.Delete(context.Background(), TestPlans, nil)
	assert.Error(t, err)
}

func TestChromemContainsMissing(t *testing.T) {
	s := newTestStore(t)
	exists, err := s.Contains(context.Background(), TestPlans, "absent")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestChromemStatsAllAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, TestPlans, []Record{testRecord("a", []float32{1, 0, 0}, nil)})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, Documentation, []Record{
		testRecord("b", []float32{1, 0, 0}, nil),
		testRecord("c", []float32{0, 1, 0}, nil),
	})
	require.NoError(t, err)

	all, err := s.StatsAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "chromem", all.Provider)
	assert.Equal(t, 3, all.TotalDocuments)
	assert.Len(t, all.Collections, 4)
	assert.Equal(t, 1, all.Collections[TestPlans].Count)
	assert.Equal(t, 2, all.Collections[Documentation].Count)
	assert.False(t, all.Collections[TestPlans].LastWrite.IsZero())
	assert.True(t, all.Collections[IssueRecords].LastWrite.IsZero())

	require.NoError(t, s.Clear(ctx, Documentation))
	stats, err := s.Stats(ctx, Documentation)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Count)

	require.NoError(t, s.ClearAll(ctx))
	all, err = s.StatsAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, all.TotalDocuments)
}

func TestChromemPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	s, err := NewChromemStore(ChromemConfig{Path: dir, VectorSize: 3}, logger)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, TestPlans, []Record{testRecord("persist", []float32{1, 0, 0}, nil)})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewChromemStore(ChromemConfig{Path: dir, VectorSize: 3}, logger)
	require.NoError(t, err)
	exists, err := reopened.Contains(ctx, TestPlans, "persist")
	require.NoError(t, err)
	assert.True(t, exists)
}
