package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ingest-cli/internal/model"
)

// PgxPool is the subset of pgxpool.Pool the store uses, kept as an
// interface so tests can substitute pgxmock.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Postgres is the shared durable store for multi-tenant deployments.
type Postgres struct {
	pool PgxPool
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS candidates (
	tenant_id     TEXT NOT NULL,
	candidate_id  TEXT NOT NULL,
	payload       JSONB NOT NULL,
	status        TEXT NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, candidate_id)
);
CREATE INDEX IF NOT EXISTS idx_candidates_status ON candidates (tenant_id, status);

CREATE TABLE IF NOT EXISTS counters (
	key   TEXT PRIMARY KEY,
	value DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	payload    JSONB NOT NULL,
	started_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS result_cache (
	tenant_id    TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	payload      JSONB NOT NULL,
	expires_at   TIMESTAMPTZ,
	PRIMARY KEY (tenant_id, content_hash)
);
`

// NewPostgres connects to dsn and applies the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, eris.Wrap(err, "store: connect postgres")
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "store: apply schema")
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool (or mock) without touching
// the schema.
func NewPostgresFromPool(pool PgxPool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) UpsertProvisional(ctx context.Context, cands []model.NormalizedCandidate) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "store: begin upsert")
	}
	defer tx.Rollback(ctx)

	for _, c := range cands {
		c.Status = model.StatusProvisional
		payload, err := json.Marshal(c)
		if err != nil {
			return eris.Wrap(err, "store: marshal candidate")
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO candidates (tenant_id, candidate_id, payload, status, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (tenant_id, candidate_id)
			DO UPDATE SET payload = EXCLUDED.payload, status = EXCLUDED.status, updated_at = now()`,
			c.TenantID, c.CandidateID, payload, string(c.Status))
		if err != nil {
			return eris.Wrap(err, "store: upsert candidate")
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) SetStatus(ctx context.Context, tenantID, candidateID string, status model.CandidateStatus) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE candidates
		SET status = $1, payload = jsonb_set(payload, '{status}', to_jsonb($1::text)), updated_at = now()
		WHERE tenant_id = $2 AND candidate_id = $3`,
		string(status), tenantID, candidateID)
	if err != nil {
		return eris.Wrap(err, "store: set status")
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("store: candidate %s not found", candidateID)
	}
	return nil
}

func (p *Postgres) Promote(ctx context.Context, tenantID string, candidateIDs []string) error {
	if len(candidateIDs) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, `
		UPDATE candidates
		SET status = $1, payload = jsonb_set(payload, '{status}', to_jsonb($1::text)), updated_at = now()
		WHERE tenant_id = $2 AND candidate_id = ANY($3)`,
		string(model.StatusPromoted), tenantID, candidateIDs)
	if err != nil {
		return eris.Wrap(err, "store: promote candidates")
	}
	return nil
}

func (p *Postgres) ListByStatus(ctx context.Context, tenantID string, status model.CandidateStatus) ([]model.NormalizedCandidate, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT payload FROM candidates
		WHERE tenant_id = $1 AND status = $2
		ORDER BY candidate_id`,
		tenantID, string(status))
	if err != nil {
		return nil, eris.Wrap(err, "store: list by status")
	}
	defer rows.Close()

	var out []model.NormalizedCandidate
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "store: scan candidate")
		}
		var c model.NormalizedCandidate
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal candidate")
		}
		c.Status = status
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) GetCandidate(ctx context.Context, tenantID, candidateID string) (*model.NormalizedCandidate, error) {
	var payload []byte
	var status string
	err := p.pool.QueryRow(ctx, `
		SELECT payload, status FROM candidates WHERE tenant_id = $1 AND candidate_id = $2`,
		tenantID, candidateID).Scan(&payload, &status)
	if err == pgx.ErrNoRows {
		return nil, eris.Errorf("store: candidate %s not found", candidateID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: get candidate")
	}
	var c model.NormalizedCandidate
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal candidate")
	}
	c.Status = model.CandidateStatus(status)
	return &c, nil
}

func (p *Postgres) Add(ctx context.Context, key string, delta float64) (float64, error) {
	var val float64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO counters (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = counters.value + EXCLUDED.value
		RETURNING value`,
		key, delta).Scan(&val)
	if err != nil {
		return 0, eris.Wrap(err, "store: add counter")
	}
	return val, nil
}

func (p *Postgres) AddIfBelow(ctx context.Context, key string, delta, max float64) (float64, bool, error) {
	// Single conditional statement keeps the check-and-increment atomic
	// under concurrent callers.
	var val float64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO counters (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = counters.value + EXCLUDED.value
		WHERE counters.value + EXCLUDED.value <= $3
		RETURNING value`,
		key, delta, max).Scan(&val)
	if err == pgx.ErrNoRows {
		cur, gerr := p.Get(ctx, key)
		if gerr != nil {
			return 0, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrap(err, "store: conditional counter add")
	}
	if val > max {
		// Freshly inserted row above max; undo it.
		if _, rerr := p.Add(ctx, key, -delta); rerr != nil {
			return val, false, rerr
		}
		return val - delta, false, nil
	}
	return val, true, nil
}

func (p *Postgres) Get(ctx context.Context, key string) (float64, error) {
	var val float64
	err := p.pool.QueryRow(ctx, `SELECT value FROM counters WHERE key = $1`, key).Scan(&val)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "store: get counter")
	}
	return val, nil
}

func (p *Postgres) CreateRun(ctx context.Context, run *model.Run) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "store: marshal run")
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO runs (run_id, tenant_id, payload, started_at) VALUES ($1, $2, $3, $4)`,
		run.ID, run.TenantID, payload, run.CreatedAt.UTC())
	if err != nil {
		return eris.Wrap(err, "store: create run")
	}
	return nil
}

func (p *Postgres) UpdateRun(ctx context.Context, run *model.Run) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "store: marshal run")
	}
	tag, err := p.pool.Exec(ctx, `UPDATE runs SET payload = $1 WHERE run_id = $2`, payload, run.ID)
	if err != nil {
		return eris.Wrap(err, "store: update run")
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("store: run %s not found", run.ID)
	}
	return nil
}

func (p *Postgres) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx, `SELECT payload FROM runs WHERE run_id = $1`, runID).Scan(&payload)
	if err == pgx.ErrNoRows {
		return nil, eris.Errorf("store: run %s not found", runID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: get run")
	}
	var r model.Run
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal run")
	}
	return &r, nil
}

func (p *Postgres) ListRuns(ctx context.Context, tenantID string, limit int) ([]model.Run, error) {
	q := `SELECT payload FROM runs`
	args := []any{}
	if tenantID != "" {
		q += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	q += ` ORDER BY started_at DESC`
	if limit > 0 {
		q += ` LIMIT ` + strconv.Itoa(limit)
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list runs")
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "store: scan run")
		}
		var r model.Run
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal run")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) GetResult(ctx context.Context, tenantID, contentHash string) ([]model.ExtractionCandidate, bool, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx, `
		SELECT payload FROM result_cache
		WHERE tenant_id = $1 AND content_hash = $2
		  AND (expires_at IS NULL OR expires_at > now())`,
		tenantID, contentHash).Scan(&payload)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "store: get cached result")
	}
	var cands []model.ExtractionCandidate
	if err := json.Unmarshal(payload, &cands); err != nil {
		return nil, false, eris.Wrap(err, "store: unmarshal cached result")
	}
	return cands, true, nil
}

func (p *Postgres) PutResult(ctx context.Context, tenantID, contentHash string, cands []model.ExtractionCandidate, ttl time.Duration) error {
	payload, err := json.Marshal(cands)
	if err != nil {
		return eris.Wrap(err, "store: marshal cached result")
	}
	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl).UTC()
		expires = &t
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO result_cache (tenant_id, content_hash, payload, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, content_hash)
		DO UPDATE SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at`,
		tenantID, contentHash, payload, expires)
	if err != nil {
		return eris.Wrap(err, "store: cache result")
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
