// Package analyzer computes cheap per-segment signals used to route
// extraction work without invoking a reasoning model.
package analyzer

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/model"
)

// Analyzer produces SegmentAnalysis values. Pure — no external calls —
// and safe for concurrent use. Results are cached per segment ID.
type Analyzer struct {
	cfg config.AnalyzerConfig

	mu    sync.RWMutex
	cache map[string]model.SegmentAnalysis
}

// New creates an Analyzer with the given config.
func New(cfg config.AnalyzerConfig) *Analyzer {
	if cfg.SentenceLenBaseline <= 0 {
		cfg.SentenceLenBaseline = 30
	}
	if cfg.DefaultComplexity <= 0 {
		cfg.DefaultComplexity = 0.5
	}
	return &Analyzer{
		cfg:   cfg,
		cache: make(map[string]model.SegmentAnalysis),
	}
}

// Analyze computes the analysis for one segment. Tagger failure is
// non-fatal: conservative defaults are returned instead of an error so a
// bad segment never blocks routing.
func (a *Analyzer) Analyze(seg model.Segment, lang string) model.SegmentAnalysis {
	a.mu.RLock()
	if cached, ok := a.cache[seg.ID]; ok {
		a.mu.RUnlock()
		return cached
	}
	a.mu.RUnlock()

	analysis := a.analyze(seg, normalizeLang(lang, seg.Language))

	a.mu.Lock()
	a.cache[seg.ID] = analysis
	a.mu.Unlock()
	return analysis
}

func (a *Analyzer) analyze(seg model.Segment, lang string) model.SegmentAnalysis {
	analysis := model.SegmentAnalysis{
		SegmentID:         seg.ID,
		ContainsCharts:    seg.ContainsCharts,
		InNarrativeThread: seg.InNarrativeThread(),
	}

	entities, err := tagEntities(seg.Text, lang)
	if err != nil {
		zap.L().Warn("analyzer: tagger failed, using conservative defaults",
			zap.String("segment", seg.ID),
			zap.Error(err),
		)
		analysis.EntityCountEstimate = 0
		analysis.Complexity = a.cfg.DefaultComplexity
		return analysis
	}

	analysis.EntityCountEstimate = len(entities)
	analysis.Complexity = a.complexity(seg.Text)

	// A segment reads as part of a narrative thread when upstream flagged
	// it, or when its own text carries causal or temporal markers.
	if !analysis.InNarrativeThread {
		analysis.InNarrativeThread = hasNarrativeMarkers(seg.Text, lang)
	}

	return analysis
}

// complexity combines noun-phrase density, average sentence length
// normalized against the configured baseline, and syntactic nesting depth
// into a single value capped at 1.0.
func (a *Analyzer) complexity(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}

	npDensity := nounPhraseDensity(words)
	sentLen := averageSentenceLength(text) / a.cfg.SentenceLenBaseline
	if sentLen > 1 {
		sentLen = 1
	}
	nesting := nestingDepth(text) / 4.0
	if nesting > 1 {
		nesting = 1
	}

	c := 0.4*npDensity + 0.4*sentLen + 0.2*nesting
	if c > 1 {
		c = 1
	}
	return c
}

// normalizeLang resolves the effective language for a segment: explicit
// argument first, then the segment's own tag, then English.
func normalizeLang(lang, segLang string) string {
	for _, l := range []string{lang, segLang} {
		if l == "" {
			continue
		}
		tag, err := language.Parse(l)
		if err != nil {
			continue
		}
		base, _ := tag.Base()
		return base.String()
	}
	return "en"
}
