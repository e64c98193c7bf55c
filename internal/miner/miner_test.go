package miner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingest-cli/internal/budget"
	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/dispatch"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
	"github.com/sells-group/ingest-cli/pkg/embed"
	"github.com/sells-group/ingest-cli/pkg/reasoner"
)

// identicalEmbedder gives every text the same vector, making every
// segment pair maximally connected.
type identicalEmbedder struct{}

func (identicalEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

// failingEmbedder always errors, forcing the local fallback.
type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, eris.New("service unavailable")
}

type scriptedClient struct {
	mu     sync.Mutex
	bodies []string
	calls  int
}

func (s *scriptedClient) Complete(_ context.Context, _ reasoner.Request) (*reasoner.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body := `{"candidates": []}`
	if s.calls < len(s.bodies) {
		body = s.bodies[s.calls]
	}
	s.calls++
	return &reasoner.Response{Text: body, Usage: reasoner.TokenUsage{InputTokens: 200, OutputTokens: 40}}, nil
}

func (s *scriptedClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testMinerConfig() config.MinerConfig {
	return config.MinerConfig{
		TopK:                  3,
		EligibilityCutoff:     0.5,
		ComplexityWeight:      0.4,
		ComplexityThreshold:   0.7,
		NarrativeWeight:       0.4,
		ConnectivityWeight:    0.2,
		ConnectivityThreshold: 0.3,
		GenericRelationCap:    0.05,
	}
}

func minerBudget(largeCalls int) config.BudgetConfig {
	return config.BudgetConfig{
		DocSmallCalls: 100, DocLargeCalls: largeCalls, DocVisionCalls: 100,
		DocCostCeilingUSD: 100, TenantDailyCostUSD: 1000,
		SmallCallCostUSD: 0.004, LargeCallCostUSD: 0.045, VisionCallCostUSD: 0.060,
	}
}

func newTestMiner(t *testing.T, embedder embed.Client, budgetCfg config.BudgetConfig, bodies ...string) (*Miner, *scriptedClient, *budget.Governor) {
	t.Helper()
	client := &scriptedClient{bodies: bodies}
	d := dispatch.New(client, config.DispatcherConfig{
		Small:  config.RouteLimit{Concurrency: 2},
		Large:  config.RouteLimit{Concurrency: 2},
		Vision: config.RouteLimit{Concurrency: 1},
	})
	d.Start(context.Background())
	t.Cleanup(d.Shutdown)

	gov := budget.NewGovernor(budgetCfg, store.NewMemory(),
		budget.WithClock(func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) }))
	m := New(testMinerConfig(), config.ReasonerConfig{LargeModel: "large", MaxTokens: 1024}, d, gov, embedder)
	return m, client, gov
}

func minerDoc() *model.Document {
	return &model.Document{
		ID:       "d1",
		TenantID: "t1",
		Segments: []model.Segment{
			{ID: "s1", Text: "Acme Corp grew.", TokenEstimate: 50},
			{ID: "s2", Text: "Then Acme expanded.", TokenEstimate: 50},
			{ID: "s3", Text: "Growth continued.", TokenEstimate: 50},
		},
	}
}

func minerAnalyses(doc *model.Document) map[string]model.SegmentAnalysis {
	out := make(map[string]model.SegmentAnalysis)
	for _, seg := range doc.Segments {
		out[seg.ID] = model.SegmentAnalysis{
			SegmentID:           seg.ID,
			Complexity:          1.0,
			InNarrativeThread:   true,
			EntityCountEstimate: 5,
		}
	}
	return out
}

const crossSegmentResponse = `{
  "candidates": [
    {
      "kind": "relation",
      "name": "growth of",
      "type": "GROWTH_OF",
      "confidence": 0.8,
      "source": "Acme Corp",
      "target": "Acme",
      "evidence": [
        {"segment_id": "s1", "start": 0, "end": 9, "quote": "Acme Corp"},
        {"segment_id": "s2", "start": 5, "end": 9, "quote": "Acme"}
      ]
    },
    {
      "kind": "relation",
      "name": "single segment relation",
      "type": "RELATED_TO",
      "confidence": 0.6,
      "source": "Acme Corp",
      "target": "growth",
      "evidence": [
        {"segment_id": "s1", "start": 0, "end": 9, "quote": "Acme Corp"},
        {"segment_id": "s1", "start": 10, "end": 14, "quote": "grew"}
      ]
    },
    {
      "kind": "entity",
      "name": "Acme Corp",
      "type": "ORG",
      "confidence": 0.9,
      "evidence": [{"segment_id": "s1", "start": 0, "end": 9, "quote": "Acme Corp"}]
    }
  ]
}`

func TestMineSingleSegmentShortCircuits(t *testing.T) {
	m, _, _ := newTestMiner(t, identicalEmbedder{}, minerBudget(10))
	doc := &model.Document{ID: "d1", TenantID: "t1", Segments: []model.Segment{{ID: "s1", Text: "only one"}}}

	res, err := m.Mine(context.Background(), doc, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Relations)
	assert.Zero(t, res.CostUSD)
}

func TestMineEnforcesBiEvidence(t *testing.T) {
	m, _, _ := newTestMiner(t, identicalEmbedder{}, minerBudget(10), crossSegmentResponse)
	doc := minerDoc()

	res, err := m.Mine(context.Background(), doc, minerAnalyses(doc))
	require.NoError(t, err)

	require.Len(t, res.Relations, 1, "only the relation spanning two segments survives")
	assert.Equal(t, "GROWTH_OF", res.Relations[0].Type)
	assert.Equal(t, 1, res.DroppedBiEvidence, "single-segment relation dropped")
	assert.InDelta(t, 0.045, res.CostUSD, 0.0001)
	assert.Equal(t, 200, res.Usage.InputTokens)
}

func TestMineFiltersEntities(t *testing.T) {
	m, _, _ := newTestMiner(t, identicalEmbedder{}, minerBudget(10), crossSegmentResponse)
	doc := minerDoc()

	res, err := m.Mine(context.Background(), doc, minerAnalyses(doc))
	require.NoError(t, err)
	for _, r := range res.Relations {
		assert.Equal(t, model.KindRelation, r.Kind, "bare entities never leave the miner")
	}
}

func TestMineBudgetDenialSkipsCall(t *testing.T) {
	m, _, _ := newTestMiner(t, identicalEmbedder{}, minerBudget(0), crossSegmentResponse)
	doc := minerDoc()

	res, err := m.Mine(context.Background(), doc, minerAnalyses(doc))
	require.NoError(t, err, "denial skips the call, it does not fail mining")
	assert.Empty(t, res.Relations)
	assert.True(t, res.Skipped)
}

func TestMineMakesAtMostOneCall(t *testing.T) {
	m, client, gov := newTestMiner(t, identicalEmbedder{}, minerBudget(10), crossSegmentResponse)

	// Five segments, all maximally eligible: narrative, complex, and
	// mutually connected. Still one large call for the whole document.
	doc := &model.Document{ID: "d1", TenantID: "t1"}
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5"} {
		doc.Segments = append(doc.Segments, model.Segment{ID: id, Text: "Acme Corp grew.", TokenEstimate: 50})
	}

	res, err := m.Mine(context.Background(), doc, minerAnalyses(doc))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, client.callCount())

	used, err := gov.CallsUsed(context.Background(), doc.ID, model.RouteLarge)
	require.NoError(t, err)
	assert.Equal(t, 1, used)
	assert.InDelta(t, 0.045, res.CostUSD, 0.0001)
}

func TestScoreSegmentsStepBonuses(t *testing.T) {
	m, _, _ := newTestMiner(t, identicalEmbedder{}, minerBudget(10))

	doc := &model.Document{ID: "d1", TenantID: "t1", Segments: []model.Segment{
		{ID: "s1", Text: "a"},
		{ID: "s2", Text: "b"},
	}}
	// Orthogonal vectors: connectivity 0 for both segments.
	vectors := [][]float32{{1, 0}, {0, 1}}

	analyses := map[string]model.SegmentAnalysis{
		"s1": {SegmentID: "s1", Complexity: 0.9},
		"s2": {SegmentID: "s2", Complexity: 0.69, InNarrativeThread: true},
	}
	scores := m.scoreSegments(doc, analyses, vectors)

	assert.InDelta(t, 0.4, scores[0].score, 0.0001,
		"complexity above the threshold earns the flat bonus, not a scaled one")
	assert.InDelta(t, 0.4, scores[1].score, 0.0001,
		"below-threshold complexity earns nothing; narrative earns its bonus")
}

func TestMineIneligibleSegmentsSkipMining(t *testing.T) {
	m, _, _ := newTestMiner(t, identicalEmbedder{}, minerBudget(10), crossSegmentResponse)
	doc := minerDoc()

	analyses := make(map[string]model.SegmentAnalysis)
	for _, seg := range doc.Segments {
		analyses[seg.ID] = model.SegmentAnalysis{SegmentID: seg.ID, Complexity: 0.1}
	}

	res, err := m.Mine(context.Background(), doc, analyses)
	require.NoError(t, err)
	assert.Empty(t, res.Relations, "no segment clears the eligibility cutoff")
	assert.Zero(t, res.CostUSD)
}

func TestMineEmbedFallback(t *testing.T) {
	m, _, _ := newTestMiner(t, failingEmbedder{}, minerBudget(10), crossSegmentResponse)
	doc := minerDoc()

	// The local embedder still produces vectors; mining proceeds.
	res, err := m.Mine(context.Background(), doc, minerAnalyses(doc))
	require.NoError(t, err)
	assert.NotNil(t, res)
}

func TestApplyGenericCap(t *testing.T) {
	m, _, _ := newTestMiner(t, identicalEmbedder{}, minerBudget(10))

	rel := func(name, typ string, conf float64) model.ExtractionCandidate {
		return model.ExtractionCandidate{Kind: model.KindRelation, Name: name, Type: typ, Confidence: conf}
	}

	// 40 typed relations + 4 generic: cap at 5% of 44 → 2 generics allowed.
	var cands []model.ExtractionCandidate
	for i := 0; i < 40; i++ {
		cands = append(cands, rel("typed", "ACQUIRED", 0.9))
	}
	cands = append(cands,
		rel("gen-a", model.RelationTypeGeneric, 0.9),
		rel("gen-b", model.RelationTypeGeneric, 0.7),
		rel("gen-c", model.RelationTypeGeneric, 0.5),
		rel("gen-d", model.RelationTypeGeneric, 0.3),
	)

	out, dropped := m.ApplyGenericCap(cands)
	assert.Equal(t, 2, dropped)

	var kept []string
	for _, c := range out {
		if c.Type == model.RelationTypeGeneric {
			kept = append(kept, c.Name)
		}
	}
	assert.ElementsMatch(t, []string{"gen-a", "gen-b"}, kept, "highest confidence generics survive")
	assert.Len(t, out, 42)
}

func TestApplyGenericCapUnderLimitUntouched(t *testing.T) {
	m, _, _ := newTestMiner(t, identicalEmbedder{}, minerBudget(10))

	cands := []model.ExtractionCandidate{
		{Kind: model.KindRelation, Name: "r1", Type: "ACQUIRED", Confidence: 0.9},
	}
	for i := 0; i < 99; i++ {
		cands = append(cands, model.ExtractionCandidate{Kind: model.KindRelation, Name: "typed", Type: "OWNS", Confidence: 0.8})
	}
	cands = append(cands, model.ExtractionCandidate{Kind: model.KindRelation, Name: "gen", Type: model.RelationTypeGeneric, Confidence: 0.2})

	out, dropped := m.ApplyGenericCap(cands)
	assert.Zero(t, dropped, "101 relations allow 5 generics")
	assert.Len(t, out, len(cands))
}

func TestApplyGenericCapTieBreaksByName(t *testing.T) {
	m, _, _ := newTestMiner(t, identicalEmbedder{}, minerBudget(10))

	var cands []model.ExtractionCandidate
	for i := 0; i < 20; i++ {
		cands = append(cands, model.ExtractionCandidate{Kind: model.KindRelation, Name: "typed", Type: "OWNS", Confidence: 0.9})
	}
	cands = append(cands,
		model.ExtractionCandidate{Kind: model.KindRelation, Name: "zeta", Type: model.RelationTypeGeneric, Confidence: 0.5},
		model.ExtractionCandidate{Kind: model.KindRelation, Name: "alpha", Type: model.RelationTypeGeneric, Confidence: 0.5},
	)

	// 22 relations → 1 generic allowed; equal confidence keeps the
	// ascending name.
	out, dropped := m.ApplyGenericCap(cands)
	require.Equal(t, 1, dropped)
	for _, c := range out {
		if c.Type == model.RelationTypeGeneric {
			assert.Equal(t, "alpha", c.Name)
		}
	}
}
