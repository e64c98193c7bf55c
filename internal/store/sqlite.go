package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/ingest-cli/internal/model"
)

// SQLite is the default durable store for local runs. A single file on
// disk holds candidates, counters, runs, and the result cache.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS candidates (
	tenant_id     TEXT NOT NULL,
	candidate_id  TEXT NOT NULL,
	payload       TEXT NOT NULL,
	status        TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	PRIMARY KEY (tenant_id, candidate_id)
);
CREATE INDEX IF NOT EXISTS idx_candidates_status ON candidates (tenant_id, status);

CREATE TABLE IF NOT EXISTS counters (
	key   TEXT PRIMARY KEY,
	value REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	payload    TEXT NOT NULL,
	started_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS result_cache (
	tenant_id    TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	payload      TEXT NOT NULL,
	expires_at   TEXT,
	PRIMARY KEY (tenant_id, content_hash)
);
`

// NewSQLite opens (creating if needed) the store at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, eris.Wrap(err, "store: open sqlite")
	}
	// modernc sqlite serializes writes; more than one writer conn just
	// queues on SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "store: apply schema")
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) UpsertProvisional(ctx context.Context, cands []model.NormalizedCandidate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "store: begin upsert")
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, c := range cands {
		c.Status = model.StatusProvisional
		payload, err := json.Marshal(c)
		if err != nil {
			return eris.Wrap(err, "store: marshal candidate")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO candidates (tenant_id, candidate_id, payload, status, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, candidate_id)
			DO UPDATE SET payload = excluded.payload, status = excluded.status, updated_at = excluded.updated_at`,
			c.TenantID, c.CandidateID, string(payload), string(c.Status), now)
		if err != nil {
			return eris.Wrap(err, "store: upsert candidate")
		}
	}
	return tx.Commit()
}

func (s *SQLite) SetStatus(ctx context.Context, tenantID, candidateID string, status model.CandidateStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE candidates
		SET status = ?, payload = json_set(payload, '$.status', ?), updated_at = ?
		WHERE tenant_id = ? AND candidate_id = ?`,
		string(status), string(status), time.Now().UTC().Format(time.RFC3339), tenantID, candidateID)
	if err != nil {
		return eris.Wrap(err, "store: set status")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return eris.Errorf("store: candidate %s not found", candidateID)
	}
	return nil
}

func (s *SQLite) Promote(ctx context.Context, tenantID string, candidateIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "store: begin promote")
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range candidateIDs {
		_, err := tx.ExecContext(ctx, `
			UPDATE candidates
			SET status = ?, payload = json_set(payload, '$.status', ?), updated_at = ?
			WHERE tenant_id = ? AND candidate_id = ?`,
			string(model.StatusPromoted), string(model.StatusPromoted), now, tenantID, id)
		if err != nil {
			return eris.Wrap(err, "store: promote candidate")
		}
	}
	return tx.Commit()
}

func (s *SQLite) ListByStatus(ctx context.Context, tenantID string, status model.CandidateStatus) ([]model.NormalizedCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM candidates
		WHERE tenant_id = ? AND status = ?
		ORDER BY candidate_id`,
		tenantID, string(status))
	if err != nil {
		return nil, eris.Wrap(err, "store: list by status")
	}
	defer rows.Close()

	var out []model.NormalizedCandidate
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "store: scan candidate")
		}
		var c model.NormalizedCandidate
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal candidate")
		}
		c.Status = status
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) GetCandidate(ctx context.Context, tenantID, candidateID string) (*model.NormalizedCandidate, error) {
	var payload, status string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, status FROM candidates WHERE tenant_id = ? AND candidate_id = ?`,
		tenantID, candidateID).Scan(&payload, &status)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("store: candidate %s not found", candidateID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: get candidate")
	}
	var c model.NormalizedCandidate
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal candidate")
	}
	c.Status = model.CandidateStatus(status)
	return &c, nil
}

func (s *SQLite) Add(ctx context.Context, key string, delta float64) (float64, error) {
	var val float64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO counters (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = value + excluded.value
		RETURNING value`,
		key, delta).Scan(&val)
	if err != nil {
		return 0, eris.Wrap(err, "store: add counter")
	}
	return val, nil
}

func (s *SQLite) AddIfBelow(ctx context.Context, key string, delta, max float64) (float64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, eris.Wrap(err, "store: begin counter add")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO counters (key, value) VALUES (?, 0) ON CONFLICT (key) DO NOTHING`, key); err != nil {
		return 0, false, eris.Wrap(err, "store: init counter")
	}
	var cur float64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM counters WHERE key = ?`, key).Scan(&cur); err != nil {
		return 0, false, eris.Wrap(err, "store: read counter")
	}
	if cur+delta > max {
		return cur, false, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `UPDATE counters SET value = value + ? WHERE key = ?`, delta, key); err != nil {
		return 0, false, eris.Wrap(err, "store: bump counter")
	}
	return cur + delta, true, tx.Commit()
}

func (s *SQLite) Get(ctx context.Context, key string) (float64, error) {
	var val float64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE key = ?`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "store: get counter")
	}
	return val, nil
}

func (s *SQLite) CreateRun(ctx context.Context, run *model.Run) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "store: marshal run")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, tenant_id, payload, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.TenantID, string(payload), run.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return eris.Wrap(err, "store: create run")
	}
	return nil
}

func (s *SQLite) UpdateRun(ctx context.Context, run *model.Run) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "store: marshal run")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET payload = ? WHERE run_id = ?`, string(payload), run.ID)
	if err != nil {
		return eris.Wrap(err, "store: update run")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return eris.Errorf("store: run %s not found", run.ID)
	}
	return nil
}

func (s *SQLite) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE run_id = ?`, runID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("store: run %s not found", runID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: get run")
	}
	var r model.Run
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal run")
	}
	return &r, nil
}

func (s *SQLite) ListRuns(ctx context.Context, tenantID string, limit int) ([]model.Run, error) {
	q := `SELECT payload FROM runs`
	args := []any{}
	if tenantID != "" {
		q += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	q += ` ORDER BY started_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list runs")
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "store: scan run")
		}
		var r model.Run
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal run")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) GetResult(ctx context.Context, tenantID, contentHash string) ([]model.ExtractionCandidate, bool, error) {
	var payload string
	var expires sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, expires_at FROM result_cache WHERE tenant_id = ? AND content_hash = ?`,
		tenantID, contentHash).Scan(&payload, &expires)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "store: get cached result")
	}
	if expires.Valid {
		t, perr := time.Parse(time.RFC3339, expires.String)
		if perr == nil && time.Now().After(t) {
			_, _ = s.db.ExecContext(ctx,
				`DELETE FROM result_cache WHERE tenant_id = ? AND content_hash = ?`, tenantID, contentHash)
			return nil, false, nil
		}
	}
	var cands []model.ExtractionCandidate
	if err := json.Unmarshal([]byte(payload), &cands); err != nil {
		return nil, false, eris.Wrap(err, "store: unmarshal cached result")
	}
	return cands, true, nil
}

func (s *SQLite) PutResult(ctx context.Context, tenantID, contentHash string, cands []model.ExtractionCandidate, ttl time.Duration) error {
	payload, err := json.Marshal(cands)
	if err != nil {
		return eris.Wrap(err, "store: marshal cached result")
	}
	var expires any
	if ttl > 0 {
		expires = time.Now().Add(ttl).UTC().Format(time.RFC3339)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO result_cache (tenant_id, content_hash, payload, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, content_hash)
		DO UPDATE SET payload = excluded.payload, expires_at = excluded.expires_at`,
		tenantID, contentHash, string(payload), expires)
	if err != nil {
		return eris.Wrap(err, "store: cache result")
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }
