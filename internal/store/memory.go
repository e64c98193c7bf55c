package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ingest-cli/internal/model"
)

// Memory is an in-process Store used by tests and by single-shot CLI
// runs that do not need persistence across invocations.
type Memory struct {
	mu         sync.Mutex
	candidates map[string]model.NormalizedCandidate // tenant\x00candidateID
	counters   map[string]float64
	runs       map[string]model.Run
	results    map[string]cachedResult // tenant\x00contentHash
}

type cachedResult struct {
	cands   []model.ExtractionCandidate
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{
		candidates: make(map[string]model.NormalizedCandidate),
		counters:   make(map[string]float64),
		runs:       make(map[string]model.Run),
		results:    make(map[string]cachedResult),
	}
}

func candKey(tenantID, candidateID string) string {
	return tenantID + "\x00" + candidateID
}

func (m *Memory) UpsertProvisional(ctx context.Context, cands []model.NormalizedCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cands {
		c.Status = model.StatusProvisional
		m.candidates[candKey(c.TenantID, c.CandidateID)] = c
	}
	return nil
}

func (m *Memory) SetStatus(ctx context.Context, tenantID, candidateID string, status model.CandidateStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := candKey(tenantID, candidateID)
	c, ok := m.candidates[k]
	if !ok {
		return eris.Errorf("store: candidate %s not found", candidateID)
	}
	c.Status = status
	m.candidates[k] = c
	return nil
}

func (m *Memory) Promote(ctx context.Context, tenantID string, candidateIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range candidateIDs {
		k := candKey(tenantID, id)
		if c, ok := m.candidates[k]; ok {
			c.Status = model.StatusPromoted
			m.candidates[k] = c
		}
	}
	return nil
}

func (m *Memory) ListByStatus(ctx context.Context, tenantID string, status model.CandidateStatus) ([]model.NormalizedCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.NormalizedCandidate
	for _, c := range m.candidates {
		if c.TenantID == tenantID && c.Status == status {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CandidateID < out[j].CandidateID })
	return out, nil
}

func (m *Memory) GetCandidate(ctx context.Context, tenantID, candidateID string) (*model.NormalizedCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.candidates[candKey(tenantID, candidateID)]
	if !ok {
		return nil, eris.Errorf("store: candidate %s not found", candidateID)
	}
	return &c, nil
}

func (m *Memory) Add(ctx context.Context, key string, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key] += delta
	return m.counters[key], nil
}

func (m *Memory) AddIfBelow(ctx context.Context, key string, delta, max float64) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.counters[key]
	if cur+delta > max {
		return cur, false, nil
	}
	m.counters[key] = cur + delta
	return m.counters[key], true, nil
}

func (m *Memory) Get(ctx context.Context, key string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key], nil
}

func (m *Memory) CreateRun(ctx context.Context, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return eris.Errorf("store: run %s already exists", run.ID)
	}
	m.runs[run.ID] = *run
	return nil
}

func (m *Memory) UpdateRun(ctx context.Context, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return eris.Errorf("store: run %s not found", run.ID)
	}
	m.runs[run.ID] = *run
	return nil
}

func (m *Memory) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, eris.Errorf("store: run %s not found", runID)
	}
	return &r, nil
}

func (m *Memory) ListRuns(ctx context.Context, tenantID string, limit int) ([]model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Run
	for _, r := range m.runs {
		if tenantID == "" || r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetResult(ctx context.Context, tenantID, contentHash string) ([]model.ExtractionCandidate, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := candKey(tenantID, contentHash)
	r, ok := m.results[k]
	if !ok {
		return nil, false, nil
	}
	if !r.expires.IsZero() && time.Now().After(r.expires) {
		delete(m.results, k)
		return nil, false, nil
	}
	return r.cands, true, nil
}

func (m *Memory) PutResult(ctx context.Context, tenantID, contentHash string, cands []model.ExtractionCandidate, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	m.results[candKey(tenantID, contentHash)] = cachedResult{cands: cands, expires: expires}
	return nil
}

func (m *Memory) Close() error { return nil }
