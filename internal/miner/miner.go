// Package miner selects the segment groups most likely to hold
// cross-segment relations and extracts those relations with the large
// model under the bi-evidence rule.
package miner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/budget"
	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/dispatch"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/resilience"
	"github.com/sells-group/ingest-cli/pkg/embed"
	"github.com/sells-group/ingest-cli/pkg/reasoner"
)

// Miner scores segments for cross-segment mining eligibility and runs
// the top-scored segments through one large-model call per document.
type Miner struct {
	cfg        config.MinerConfig
	models     config.ReasonerConfig
	dispatcher *dispatch.Dispatcher
	governor   *budget.Governor
	embedder   embed.Client
}

func New(
	cfg config.MinerConfig,
	models config.ReasonerConfig,
	dispatcher *dispatch.Dispatcher,
	governor *budget.Governor,
	embedder embed.Client,
) *Miner {
	return &Miner{
		cfg:        cfg,
		models:     models,
		dispatcher: dispatcher,
		governor:   governor,
		embedder:   embedder,
	}
}

// Result is the mining outcome for one document.
type Result struct {
	Relations []model.ExtractionCandidate
	Usage     model.TokenUsage
	CostUSD   float64

	// DroppedBiEvidence counts relations discarded for lacking evidence
	// in at least two distinct segments.
	DroppedBiEvidence int

	// Skipped reports that the document's cross-segment call was not
	// made because of budget denial or terminal call failure.
	Skipped bool
}

// segmentScore pairs a segment with its eligibility score.
type segmentScore struct {
	seg          model.Segment
	score        float64
	connectivity float64
}

// Mine scores all segments and sends the top-scored eligible ones as
// one bounded context to a single large-model call. A document gets at
// most one cross-segment call.
func (m *Miner) Mine(ctx context.Context, doc *model.Document, analyses map[string]model.SegmentAnalysis) (*Result, error) {
	res := &Result{}
	if len(doc.Segments) < 2 {
		return res, nil
	}

	vectors := m.segmentVectors(ctx, doc)
	scores := m.scoreSegments(doc, analyses, vectors)

	group := m.selectGroup(doc, scores)
	if len(group) < 2 {
		return res, nil
	}

	prio := dispatch.PriorityFor(groupAnalyses(group, analyses))
	rels, usage, cost, err := m.mineGroup(ctx, doc, group, prio)
	res.Usage.Add(usage)
	res.CostUSD += cost
	if err != nil {
		res.Skipped = true
		zap.L().Warn("cross-segment call skipped",
			zap.String("doc_id", doc.ID),
			zap.String("class", string(resilience.ClassOf(err))),
			zap.Error(err))
		return res, nil
	}
	for _, rel := range rels {
		csr := model.CrossSegmentRelation{ExtractionCandidate: rel}
		if err := csr.ValidateBiEvidence(doc); err != nil {
			res.DroppedBiEvidence++
			zap.L().Debug("dropping relation without bi-evidence",
				zap.String("doc_id", doc.ID),
				zap.String("relation", rel.Name),
				zap.Error(err))
			continue
		}
		res.Relations = append(res.Relations, rel)
	}
	return res, nil
}

// segmentVectors embeds every segment, falling back to the offline
// embedder when the service is unavailable.
func (m *Miner) segmentVectors(ctx context.Context, doc *model.Document) [][]float32 {
	texts := make([]string, len(doc.Segments))
	for i, seg := range doc.Segments {
		texts[i] = seg.Text
	}
	vectors, err := m.embedder.Embed(ctx, texts)
	if err != nil {
		zap.L().Warn("embedding service unavailable, using local fallback",
			zap.String("doc_id", doc.ID), zap.Error(err))
		vectors, _ = embed.NewLocal().Embed(ctx, texts)
	}
	return vectors
}

// scoreSegments computes the eligibility score per segment as step
// bonuses: one for crossing the complexity threshold, one for
// narrative-thread membership, one for strong connectivity (the best
// embedding similarity to any other segment above the threshold).
func (m *Miner) scoreSegments(doc *model.Document, analyses map[string]model.SegmentAnalysis, vectors [][]float32) []segmentScore {
	complexityMin := m.cfg.ComplexityThreshold
	if complexityMin <= 0 {
		complexityMin = 0.7
	}

	scores := make([]segmentScore, len(doc.Segments))
	for i, seg := range doc.Segments {
		an := analyses[seg.ID]

		connectivity := 0.0
		for j := range doc.Segments {
			if i == j {
				continue
			}
			if sim := embed.Cosine(vectors[i], vectors[j]); sim > connectivity {
				connectivity = sim
			}
		}

		score := 0.0
		if an.Complexity > complexityMin {
			score += m.cfg.ComplexityWeight
		}
		if an.InNarrativeThread {
			score += m.cfg.NarrativeWeight
		}
		if connectivity > m.cfg.ConnectivityThreshold {
			score += m.cfg.ConnectivityWeight
		}
		scores[i] = segmentScore{seg: seg, score: score, connectivity: connectivity}
	}
	return scores
}

// selectGroup keeps segments at or above the eligibility cutoff, caps
// them at top-K by score, and returns them in document order as the
// bounded context for the document's single cross-segment call.
func (m *Miner) selectGroup(doc *model.Document, scores []segmentScore) []model.Segment {
	eligible := make([]segmentScore, 0, len(scores))
	for _, s := range scores {
		if s.score >= m.cfg.EligibilityCutoff {
			eligible = append(eligible, s)
		}
	}
	// Highest score first; ties keep document order for determinism.
	sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].score > eligible[j].score })

	topK := m.cfg.TopK
	if topK <= 0 {
		topK = 3
	}
	if len(eligible) > topK {
		eligible = eligible[:topK]
	}

	keep := make(map[string]bool, len(eligible))
	for _, s := range eligible {
		keep[s.seg.ID] = true
	}
	var group []model.Segment
	for _, seg := range doc.Segments {
		if keep[seg.ID] {
			group = append(group, seg)
		}
	}
	return group
}

func groupAnalyses(group []model.Segment, analyses map[string]model.SegmentAnalysis) []model.SegmentAnalysis {
	out := make([]model.SegmentAnalysis, 0, len(group))
	for _, seg := range group {
		if an, ok := analyses[seg.ID]; ok {
			out = append(out, an)
		}
	}
	return out
}

// mineGroup runs the document's cross-segment extraction call under
// budget.
func (m *Miner) mineGroup(ctx context.Context, doc *model.Document, group []model.Segment, prio dispatch.Priority) ([]model.ExtractionCandidate, model.TokenUsage, float64, error) {
	reservation, err := m.governor.Reserve(ctx, doc.TenantID, doc.ID, model.RouteLarge)
	if err != nil {
		return nil, model.TokenUsage{}, 0, err
	}

	tokens := 0
	for _, seg := range group {
		tokens += seg.TokenEstimate
	}
	task := &dispatch.Task{
		Route:         model.RouteLarge,
		Priority:      prio,
		TokenEstimate: tokens,
		Request:       m.buildRequest(doc, group),
	}
	resp, err := m.dispatcher.Do(ctx, task)
	if err != nil {
		if rerr := m.governor.Refund(ctx, reservation); rerr != nil {
			zap.L().Warn("budget refund failed", zap.String("doc_id", doc.ID), zap.Error(rerr))
		}
		return nil, model.TokenUsage{}, 0, err
	}

	usage := model.TokenUsage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}

	cands, err := reasoner.DecodeCandidates(string(model.RouteLarge), resp.Text)
	if err != nil {
		return nil, usage, reservation.CostUSD, err
	}

	rels := cands[:0]
	for _, c := range cands {
		if c.Kind == model.KindRelation {
			rels = append(rels, c)
		}
	}
	return rels, usage, reservation.CostUSD, nil
}

const crossSegmentSystemPrompt = `You find relations that span multiple document segments.

Return ONLY a JSON object of the form:
{"candidates": [{"kind": "relation", "name": "...", "type": "...", "confidence": 0.0-1.0, "evidence": [{"segment_id": "...", "start": 0, "end": 0, "quote": "..."}], "source": "...", "target": "..."}]}

Rules:
- Emit relations ONLY, never bare entities.
- Every relation MUST carry evidence spans from AT LEAST TWO different segments, each quote copied verbatim with byte offsets into its segment.
- Prefer a specific relation type; use RELATED_TO only when nothing more specific fits.
- Emit nothing outside the JSON object.`

func (m *Miner) buildRequest(doc *model.Document, group []model.Segment) reasoner.Request {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Document %s\n\n", doc.ID)
	for _, seg := range group {
		fmt.Fprintf(&sb, "=== segment_id: %s (bytes: %d) ===\n%s\n\n", seg.ID, len(seg.Text), seg.Text)
	}
	sb.WriteString("Find the relations that connect entities across these segments.")

	maxTokens := int64(m.models.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	temp := 0.0
	return reasoner.Request{
		Model:       m.models.LargeModel,
		MaxTokens:   maxTokens,
		System:      crossSegmentSystemPrompt,
		Prompt:      sb.String(),
		Temperature: &temp,
	}
}

// ApplyGenericCap limits generic RELATED_TO relations to the configured
// fraction of all relations in the document. Excess generics drop
// lowest-confidence first; ties drop by name descending so the
// ascending names survive.
func (m *Miner) ApplyGenericCap(cands []model.ExtractionCandidate) ([]model.ExtractionCandidate, int) {
	totalRelations := 0
	var generics []int
	for i, c := range cands {
		if c.Kind != model.KindRelation {
			continue
		}
		totalRelations++
		if c.Type == model.RelationTypeGeneric {
			generics = append(generics, i)
		}
	}

	capFraction := m.cfg.GenericRelationCap
	if capFraction <= 0 {
		capFraction = 0.05
	}
	allowed := int(float64(totalRelations) * capFraction)
	if len(generics) <= allowed {
		return cands, 0
	}

	// Keep the strongest generics.
	sort.SliceStable(generics, func(a, b int) bool {
		ca, cb := cands[generics[a]], cands[generics[b]]
		if ca.Confidence != cb.Confidence {
			return ca.Confidence > cb.Confidence
		}
		return ca.Name < cb.Name
	})
	drop := make(map[int]bool)
	for _, idx := range generics[allowed:] {
		drop[idx] = true
	}

	out := make([]model.ExtractionCandidate, 0, len(cands)-len(drop))
	for i, c := range cands {
		if drop[i] {
			continue
		}
		out = append(out, c)
	}
	return out, len(drop)
}
