package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/model"
)

func newTestAnalyzer() *Analyzer {
	return New(config.AnalyzerConfig{SentenceLenBaseline: 30, DefaultComplexity: 0.5})
}

func TestAnalyzeCountsEntities(t *testing.T) {
	a := newTestAnalyzer()
	seg := model.Segment{
		ID:   "s1",
		Text: "In 2019 Acme Corp paid $4.5M for Widget Systems Inc, led by Jane Smith.",
	}

	an := a.Analyze(seg, "en")
	assert.Equal(t, "s1", an.SegmentID)
	assert.Greater(t, an.EntityCountEstimate, 2)
	assert.GreaterOrEqual(t, an.Complexity, 0.0)
	assert.LessOrEqual(t, an.Complexity, 1.0)
}

func TestAnalyzeUnsupportedLanguageFallsBack(t *testing.T) {
	a := newTestAnalyzer()
	seg := model.Segment{ID: "s1", Text: "何らかの日本語のテキストです。"}

	an := a.Analyze(seg, "ja")
	assert.Equal(t, 0, an.EntityCountEstimate)
	assert.InDelta(t, 0.5, an.Complexity, 0.001, "conservative default complexity")
}

func TestAnalyzeCachesPerSegment(t *testing.T) {
	a := newTestAnalyzer()
	seg := model.Segment{ID: "s1", Text: "Acme Corp and Widget Inc signed a deal."}

	first := a.Analyze(seg, "en")
	// Mutating the text must not change the cached result.
	seg.Text = "completely different"
	second := a.Analyze(seg, "en")
	assert.Equal(t, first, second)
}

func TestNarrativeMarkers(t *testing.T) {
	a := newTestAnalyzer()

	narrative := model.Segment{ID: "n1", Text: "The outage occurred because the cache was stale, which led to a rollback."}
	assert.True(t, a.Analyze(narrative, "en").InNarrativeThread)

	flagged := model.Segment{ID: "n2", Text: "plain text", NarrativeID: "thread-1"}
	assert.True(t, a.Analyze(flagged, "en").InNarrativeThread)

	plain := model.Segment{ID: "n3", Text: "A table of numbers."}
	assert.False(t, a.Analyze(plain, "en").InNarrativeThread)
}

func TestNarrativeMarkersGerman(t *testing.T) {
	assert.True(t, hasNarrativeMarkers("Der Vertrag wurde ersetzt.", "de"))
	assert.False(t, hasNarrativeMarkers("Ein einfacher Satz ohne Marker.", "de"))
}

func TestContainsChartsPassthrough(t *testing.T) {
	a := newTestAnalyzer()
	seg := model.Segment{ID: "c1", Text: "Revenue chart.", ContainsCharts: true}
	assert.True(t, a.Analyze(seg, "en").ContainsCharts)
}

func TestTagEntitiesLabels(t *testing.T) {
	tagged, err := tagEntities("On 2021-06-01 Acme Corp raised $12,000,000 for Project Atlas v2.1.", "en")
	require.NoError(t, err)

	byLabel := map[EntityLabel][]string{}
	for _, e := range tagged {
		byLabel[e.Label] = append(byLabel[e.Label], e.Text)
	}

	assert.NotEmpty(t, byLabel[LabelDate])
	assert.NotEmpty(t, byLabel[LabelMoney])
	assert.NotEmpty(t, byLabel[LabelVersion])
	assert.Contains(t, byLabel[LabelOrg], "Acme Corp")
}

func TestTagEntitiesUnsupportedLanguage(t *testing.T) {
	_, err := tagEntities("text", "zz")
	assert.Error(t, err)
}

func TestExtractDeterministicEvidence(t *testing.T) {
	a := newTestAnalyzer()
	seg := model.Segment{ID: "s1", Text: "Acme Corp acquired Widget Inc for $3M in 2020."}
	doc := &model.Document{ID: "d1", TenantID: "t1", Segments: []model.Segment{seg}}

	cands := a.ExtractDeterministic(seg, "en")
	require.NotEmpty(t, cands)

	for _, c := range cands {
		assert.Equal(t, model.KindEntity, c.Kind)
		assert.InDelta(t, 0.5, c.Confidence, 0.001)
		assert.NoError(t, c.Validate(doc), "every deterministic candidate carries an exact span")
	}
}

func TestNormalizeLang(t *testing.T) {
	assert.Equal(t, "en", normalizeLang("en-US", ""))
	assert.Equal(t, "de", normalizeLang("", "de-DE"))
	assert.Equal(t, "en", normalizeLang("", ""))
	assert.Equal(t, "en", normalizeLang("not-a-tag!!", ""))
}
