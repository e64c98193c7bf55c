package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingest-cli/internal/model"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteCandidateRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertProvisional(ctx, []model.NormalizedCandidate{
		memCand("t1", "c1", "Acme", ""),
		memCand("t1", "c2", "Widget", ""),
	}))

	got, err := s.GetCandidate(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)
	assert.Equal(t, model.StatusProvisional, got.Status)

	require.NoError(t, s.SetStatus(ctx, "t1", "c1", model.StatusRejected))
	require.NoError(t, s.Promote(ctx, "t1", []string{"c2"}))

	promoted, err := s.ListByStatus(ctx, "t1", model.StatusPromoted)
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	assert.Equal(t, "c2", promoted[0].CandidateID)

	rejected, err := s.ListByStatus(ctx, "t1", model.StatusRejected)
	require.NoError(t, err)
	require.Len(t, rejected, 1)

	_, err = s.GetCandidate(ctx, "t1", "ghost")
	require.Error(t, err)
}

func TestSQLiteCounters(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	v, err := s.Add(ctx, "k", 3)
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	_, granted, err := s.AddIfBelow(ctx, "k", 1, 4)
	require.NoError(t, err)
	assert.True(t, granted)

	v, granted, err = s.AddIfBelow(ctx, "k", 1, 4)
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Equal(t, 4.0, v)
}

func TestSQLiteRunsAndCache(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	run := &model.Run{ID: "r1", DocumentID: "d1", TenantID: "t1", Status: model.RunStatusRunning, CreatedAt: base}
	require.NoError(t, s.CreateRun(ctx, run))
	require.NoError(t, s.CreateRun(ctx, &model.Run{ID: "r2", TenantID: "t1", Status: model.RunStatusComplete, CreatedAt: base.Add(time.Minute)}))

	run.Status = model.RunStatusPartial
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, got.Status)

	runs, err := s.ListRuns(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID, "newest first")

	cands := []model.ExtractionCandidate{{Kind: model.KindEntity, Name: "Acme", Type: "ORG", Confidence: 0.9}}
	require.NoError(t, s.PutResult(ctx, "t1", "h1", cands, time.Hour))
	cached, ok, err := s.GetResult(ctx, "t1", "h1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cands, cached)

	_, ok, err = s.GetResult(ctx, "t1", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
