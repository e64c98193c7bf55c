package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingest-cli/internal/model"
)

func newMockPostgres(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return NewPostgresFromPool(mock), mock
}

func TestPostgresUpsertProvisional(t *testing.T) {
	p, mock := newMockPostgres(t)

	c := memCand("t1", "c1", "Acme", "")
	c.Status = model.StatusProvisional
	payload, err := json.Marshal(c)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO candidates")).
		WithArgs("t1", "c1", payload, string(model.StatusProvisional)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err = p.UpsertProvisional(context.Background(), []model.NormalizedCandidate{memCand("t1", "c1", "Acme", "")})
	require.NoError(t, err)
}

func TestPostgresSetStatus(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE candidates")).
		WithArgs(string(model.StatusRejected), "t1", "c1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, p.SetStatus(context.Background(), "t1", "c1", model.StatusRejected))
}

func TestPostgresSetStatusNotFound(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE candidates")).
		WithArgs(string(model.StatusRejected), "t1", "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := p.SetStatus(context.Background(), "t1", "ghost", model.StatusRejected)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestPostgresPromote(t *testing.T) {
	p, mock := newMockPostgres(t)

	ids := []string{"c1", "c2"}
	mock.ExpectExec(regexp.QuoteMeta("UPDATE candidates")).
		WithArgs(string(model.StatusPromoted), "t1", ids).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	require.NoError(t, p.Promote(context.Background(), "t1", ids))
}

func TestPostgresPromoteEmptyNoQuery(t *testing.T) {
	p, _ := newMockPostgres(t)
	require.NoError(t, p.Promote(context.Background(), "t1", nil))
}

func TestPostgresListByStatus(t *testing.T) {
	p, mock := newMockPostgres(t)

	a, err := json.Marshal(memCand("t1", "aa", "Alpha", model.StatusProvisional))
	require.NoError(t, err)
	b, err := json.Marshal(memCand("t1", "bb", "Beta", model.StatusProvisional))
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload FROM candidates")).
		WithArgs("t1", string(model.StatusProvisional)).
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(a).AddRow(b))

	got, err := p.ListByStatus(context.Background(), "t1", model.StatusProvisional)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "aa", got[0].CandidateID)
	assert.Equal(t, "Beta", got[1].Name)
}

func TestPostgresGetCandidate(t *testing.T) {
	p, mock := newMockPostgres(t)

	payload, err := json.Marshal(memCand("t1", "c1", "Acme", model.StatusProvisional))
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload, status FROM candidates")).
		WithArgs("t1", "c1").
		WillReturnRows(pgxmock.NewRows([]string{"payload", "status"}).AddRow(payload, string(model.StatusPromoted)))

	got, err := p.GetCandidate(context.Background(), "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)
	assert.Equal(t, model.StatusPromoted, got.Status, "status column wins over payload")
}

func TestPostgresGetCandidateNotFound(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload, status FROM candidates")).
		WithArgs("t1", "ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := p.GetCandidate(context.Background(), "t1", "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestPostgresCounterAdd(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO counters")).
		WithArgs("k", 2.5).
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow(7.5))

	v, err := p.Add(context.Background(), "k", 2.5)
	require.NoError(t, err)
	assert.Equal(t, 7.5, v)
}

func TestPostgresAddIfBelowGranted(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO counters")).
		WithArgs("k", 1.0, 5.0).
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow(3.0))

	v, granted, err := p.AddIfBelow(context.Background(), "k", 1, 5)
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Equal(t, 3.0, v)
}

func TestPostgresAddIfBelowDenied(t *testing.T) {
	p, mock := newMockPostgres(t)

	// Conditional update matched nothing: the counter sits at the cap.
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO counters")).
		WithArgs("k", 1.0, 5.0).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM counters")).
		WithArgs("k").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow(5.0))

	v, granted, err := p.AddIfBelow(context.Background(), "k", 1, 5)
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Equal(t, 5.0, v)
}

func TestPostgresGetCounterMissing(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM counters")).
		WithArgs("unknown").
		WillReturnError(pgx.ErrNoRows)

	v, err := p.Get(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestPostgresRunLifecycle(t *testing.T) {
	p, mock := newMockPostgres(t)

	run := &model.Run{
		ID: "r1", DocumentID: "d1", TenantID: "t1",
		Status:    model.RunStatusRunning,
		CreatedAt: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
	payload, err := json.Marshal(run)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO runs")).
		WithArgs(run.ID, run.TenantID, payload, run.CreatedAt.UTC()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, p.CreateRun(context.Background(), run))

	run.Status = model.RunStatusComplete
	updated, err := json.Marshal(run)
	require.NoError(t, err)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE runs SET payload")).
		WithArgs(updated, run.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, p.UpdateRun(context.Background(), run))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload FROM runs WHERE run_id")).
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(updated))
	got, err := p.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, got.Status)
}

func TestPostgresListRuns(t *testing.T) {
	p, mock := newMockPostgres(t)

	newer, err := json.Marshal(model.Run{ID: "r2", TenantID: "t1", Status: model.RunStatusComplete})
	require.NoError(t, err)
	older, err := json.Marshal(model.Run{ID: "r1", TenantID: "t1", Status: model.RunStatusFailed})
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload FROM runs WHERE tenant_id = $1 ORDER BY started_at DESC LIMIT 2")).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(newer).AddRow(older))

	runs, err := p.ListRuns(context.Background(), "t1", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)
}

func TestPostgresResultCache(t *testing.T) {
	p, mock := newMockPostgres(t)

	cands := []model.ExtractionCandidate{{Kind: model.KindEntity, Name: "Acme", Type: "ORG", Confidence: 0.9}}
	payload, err := json.Marshal(cands)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO result_cache")).
		WithArgs("t1", "hash1", payload, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, p.PutResult(context.Background(), "t1", "hash1", cands, time.Hour))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload FROM result_cache")).
		WithArgs("t1", "hash1").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(payload))
	got, ok, err := p.GetResult(context.Background(), "t1", "hash1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cands, got)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload FROM result_cache")).
		WithArgs("t1", "miss").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}))
	_, ok, err = p.GetResult(context.Background(), "t1", "miss")
	require.NoError(t, err)
	assert.False(t, ok)
}
