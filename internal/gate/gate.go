package gate

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/budget"
	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/dispatch"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/normalizer"
	"github.com/sells-group/ingest-cli/internal/store"
	"github.com/sells-group/ingest-cli/pkg/embed"
	"github.com/sells-group/ingest-cli/pkg/reasoner"
)

// baseWeight and intelligenceWeight combine the base rubric group with
// the intelligence rubric group into the composite score.
const (
	baseWeight         = 0.6
	intelligenceWeight = 0.4
)

// nearDuplicateSim is the signature similarity at or above which a
// promoted sibling counts as a near-duplicate.
const nearDuplicateSim = 0.85

// Gate evaluates normalized candidates against the active profile and
// produces promotion decisions.
type Gate struct {
	cfg        config.GateConfig
	models     config.ReasonerConfig
	profiles   *ProfileStore
	dispatcher *dispatch.Dispatcher
	governor   *budget.Governor
	embedder   embed.Client
	graph      store.GraphStore
}

func New(
	cfg config.GateConfig,
	models config.ReasonerConfig,
	profiles *ProfileStore,
	dispatcher *dispatch.Dispatcher,
	governor *budget.Governor,
	embedder embed.Client,
	graph store.GraphStore,
) *Gate {
	return &Gate{
		cfg:        cfg,
		models:     models,
		profiles:   profiles,
		dispatcher: dispatcher,
		governor:   governor,
		embedder:   embedder,
		graph:      graph,
	}
}

// Evaluate decides the fate of every candidate. The profile is loaded
// once for the whole document and candidates are processed in ID
// order, so identical inputs produce identical decisions; only the
// second-opinion call for review-band candidates touches a model.
func (g *Gate) Evaluate(ctx context.Context, doc *model.Document, analyses map[string]model.SegmentAnalysis, cands []model.NormalizedCandidate) ([]model.PromotionDecision, []model.NormalizedCandidate, error) {
	profile := g.profiles.Load(doc.Domain, doc.Language)
	zap.L().Info("gate profile loaded",
		zap.String("doc_id", doc.ID),
		zap.String("domain", profile.Domain),
		zap.String("language", profile.Language),
		zap.Int("version", profile.Version))

	sorted := append([]model.NormalizedCandidate(nil), cands...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CandidateID < sorted[j].CandidateID })

	sctx := g.buildScoreContext(ctx, doc, analyses, sorted)

	decisions := make([]model.PromotionDecision, 0, len(sorted))
	out := make([]model.NormalizedCandidate, 0, len(sorted))
	for _, c := range sorted {
		sc := screen(c)
		if sc.HasSecret {
			decisions = append(decisions, model.PromotionDecision{
				CandidateID:    c.CandidateID,
				Action:         model.ActionReject,
				CompositeScore: 0,
				Reason:         "secret material in candidate content",
			})
			out = append(out, c)
			continue
		}
		if sc.HasPII {
			if profile.PIIPolicy == model.PIIReject {
				decisions = append(decisions, model.PromotionDecision{
					CandidateID:    c.CandidateID,
					Action:         model.ActionReject,
					CompositeScore: 0,
					Reason:         "pii in candidate content under reject policy",
				})
				out = append(out, c)
				continue
			}
			anonymize(&c)
		}

		breakdown, composite := g.score(c, profile.Weights, sctx)
		breakdown["composite"] = composite

		action, reason := decide(composite, profile)
		if action == model.ActionHumanReview {
			if opinion, ok := g.secondOpinion(ctx, doc, c); ok {
				breakdown["second_opinion"] = opinion
				min := g.secondOpinionMin()
				if opinion > min {
					action = model.ActionAutoPromote
					reason = fmt.Sprintf("second opinion %.3f above %.2f promotes review-band candidate", opinion, min)
				} else {
					reason = fmt.Sprintf("second opinion %.3f at or below %.2f, holding for review", opinion, min)
				}
			}
		}
		decisions = append(decisions, model.PromotionDecision{
			CandidateID:    c.CandidateID,
			Action:         action,
			CompositeScore: composite,
			ScoreBreakdown: breakdown,
			Reason:         reason,
		})
		out = append(out, c)
	}
	return decisions, out, nil
}

func (g *Gate) secondOpinionMin() float64 {
	if g.cfg.SecondOpinionConfidence > 0 {
		return g.cfg.SecondOpinionConfidence
	}
	return 0.75
}

func decide(score float64, p model.GateProfile) (model.PromotionAction, string) {
	switch {
	case score >= p.AutoPromoteThreshold:
		return model.ActionAutoPromote,
			fmt.Sprintf("composite %.3f >= auto-promote threshold %.2f", score, p.AutoPromoteThreshold)
	case score >= p.HumanReviewThreshold:
		return model.ActionHumanReview,
			fmt.Sprintf("composite %.3f in review band [%.2f, %.2f)", score, p.HumanReviewThreshold, p.AutoPromoteThreshold)
	default:
		return model.ActionReject,
			fmt.Sprintf("composite %.3f below review threshold %.2f", score, p.HumanReviewThreshold)
	}
}

// scoreContext carries the document-level inputs the rubric needs:
// which candidates relations reference, embeddings of narrative-thread
// segments and of each candidate's evidence context, and name
// signatures of the tenant's already-promoted candidates by type.
type scoreContext struct {
	referenced    map[string]bool
	narrativeVecs [][]float32
	candVecs      map[string][]float32
	promotedSigs  map[string][]uint64
}

func (g *Gate) buildScoreContext(ctx context.Context, doc *model.Document, analyses map[string]model.SegmentAnalysis, cands []model.NormalizedCandidate) *scoreContext {
	sctx := &scoreContext{
		referenced:   relationEndpoints(cands),
		candVecs:     make(map[string][]float32),
		promotedSigs: make(map[string][]uint64),
	}

	var narrativeTexts []string
	for _, seg := range doc.Segments {
		if an, ok := analyses[seg.ID]; ok && an.InNarrativeThread {
			narrativeTexts = append(narrativeTexts, seg.Text)
		}
	}
	if len(narrativeTexts) > 0 {
		sctx.narrativeVecs = g.embedAll(ctx, doc.ID, narrativeTexts)

		contexts := make([]string, len(cands))
		for i, c := range cands {
			contexts[i] = candidateContext(c)
		}
		vecs := g.embedAll(ctx, doc.ID, contexts)
		for i, c := range cands {
			if i < len(vecs) {
				sctx.candVecs[c.CandidateID] = vecs[i]
			}
		}
	}

	promoted, err := g.graph.ListByStatus(ctx, doc.TenantID, model.StatusPromoted)
	if err != nil {
		zap.L().Warn("gate: promoted candidate lookup failed, skipping uniqueness check",
			zap.String("doc_id", doc.ID), zap.Error(err))
	}
	for _, p := range promoted {
		sig := normalizer.Simhash(normalizer.NormalizeName(p.Name, p.Type))
		sctx.promotedSigs[p.Type] = append(sctx.promotedSigs[p.Type], sig)
	}
	return sctx
}

// embedAll embeds texts, falling back to the offline embedder when the
// service is unavailable.
func (g *Gate) embedAll(ctx context.Context, docID string, texts []string) [][]float32 {
	vecs, err := g.embedder.Embed(ctx, texts)
	if err != nil {
		zap.L().Warn("embedding service unavailable, using local fallback",
			zap.String("doc_id", docID), zap.Error(err))
		vecs, _ = embed.NewLocal().Embed(ctx, texts)
	}
	return vecs
}

// candidateContext joins the candidate's evidence quotes into the text
// its coherence embedding is computed from.
func candidateContext(c model.NormalizedCandidate) string {
	var sb strings.Builder
	sb.WriteString(c.Name)
	for _, ev := range c.Evidence {
		sb.WriteByte('\n')
		sb.WriteString(ev.Quote)
	}
	return sb.String()
}

// score computes the composite: the weighted base group (confidence,
// mentions, type validity, orphan penalty) at weight 0.6 and the
// weighted intelligence group (coherence, uniqueness, causal quality,
// richness) at weight 0.4. A group with zero total weight drops out;
// all-zero weights fall back to confidence alone.
func (g *Gate) score(c model.NormalizedCandidate, w model.RubricWeights, sctx *scoreContext) (map[string]float64, float64) {
	dims := map[string]float64{
		"confidence":          c.Confidence,
		"mention_count":       clamp(float64(len(c.MergedFrom)) / 3),
		"type_validity":       typeValidity(c),
		"orphan_penalty":      orphanScore(c, sctx.referenced),
		"narrative_coherence": narrativeCoherence(c, sctx),
		"semantic_uniqueness": g.uniqueness(c, sctx),
		"causal_quality":      causalQuality(c),
		"contextual_richness": richness(c),
	}
	weights := map[string]float64{
		"confidence":          w.Confidence,
		"mention_count":       w.MentionCount,
		"type_validity":       w.TypeValidity,
		"orphan_penalty":      w.OrphanPenalty,
		"narrative_coherence": w.NarrativeCoherence,
		"semantic_uniqueness": w.SemanticUniqueness,
		"causal_quality":      w.CausalQuality,
		"contextual_richness": w.ContextualRichness,
	}

	base, baseOK := groupScore(dims, weights,
		"confidence", "mention_count", "type_validity", "orphan_penalty")
	intelligence, intelOK := groupScore(dims, weights,
		"narrative_coherence", "semantic_uniqueness", "causal_quality", "contextual_richness")

	switch {
	case baseOK && intelOK:
		dims["base"] = base
		dims["intelligence"] = intelligence
		return dims, baseWeight*base + intelligenceWeight*intelligence
	case baseOK:
		dims["base"] = base
		return dims, base
	case intelOK:
		dims["intelligence"] = intelligence
		return dims, intelligence
	default:
		zap.L().Warn("gate: all rubric weights are zero, falling back to confidence-only")
		return dims, c.Confidence
	}
}

func groupScore(dims, weights map[string]float64, keys ...string) (float64, bool) {
	total := 0.0
	score := 0.0
	for _, k := range keys {
		total += weights[k]
		score += weights[k] * dims[k]
	}
	if total == 0 {
		return 0, false
	}
	return score / total, true
}

func typeValidity(c model.NormalizedCandidate) float64 {
	t := strings.TrimSpace(c.Type)
	switch {
	case t == "":
		return 0
	case c.Kind == model.KindRelation && t == model.RelationTypeGeneric:
		return 0.3
	default:
		return 1
	}
}

// orphanScore penalizes entities no relation references. Relations
// always reference their endpoints, so they score full.
func orphanScore(c model.NormalizedCandidate, referenced map[string]bool) float64 {
	if c.Kind == model.KindRelation {
		return 1
	}
	if referenced[c.CandidateID] {
		return 1
	}
	return 0
}

// narrativeCoherence is the candidate's best embedding similarity to
// any narrative-thread segment. Documents without narrative threads
// score neutral.
func narrativeCoherence(c model.NormalizedCandidate, sctx *scoreContext) float64 {
	if len(sctx.narrativeVecs) == 0 {
		return 0.5
	}
	vec, ok := sctx.candVecs[c.CandidateID]
	if !ok {
		return 0.5
	}
	best := 0.0
	for _, nv := range sctx.narrativeVecs {
		if sim := embed.Cosine(vec, nv); sim > best {
			best = sim
		}
	}
	return clamp(best)
}

// uniqueness compares the candidate's name signature against the
// tenant's already-promoted candidates of the same type. A crowd of
// near-duplicates beyond the penalty threshold costs an extra step;
// heavy duplication usually means over-extraction of boilerplate.
func (g *Gate) uniqueness(c model.NormalizedCandidate, sctx *scoreContext) float64 {
	if c.Kind != model.KindEntity {
		return 1
	}
	sigs := sctx.promotedSigs[c.Type]
	if len(sigs) == 0 {
		return 1
	}

	sig := normalizer.Simhash(normalizer.NormalizeName(c.Name, c.Type))
	maxSim := 0.0
	nearDups := 0
	for _, s := range sigs {
		sim := normalizer.Similarity(sig, s)
		if sim > maxSim {
			maxSim = sim
		}
		if sim >= nearDuplicateSim {
			nearDups++
		}
	}

	score := 1 - maxSim
	penaltyN := g.cfg.NearDuplicatePenaltyN
	if penaltyN <= 0 {
		penaltyN = 5
	}
	if nearDups > penaltyN {
		score -= 0.2
	}
	return clamp(score)
}

func causalQuality(c model.NormalizedCandidate) float64 {
	if c.Kind != model.KindRelation {
		return 0.5 // neutral for entities
	}
	if c.Type == model.RelationTypeGeneric {
		return 0.2
	}
	return 1
}

func richness(c model.NormalizedCandidate) float64 {
	quoted := 0
	for _, ev := range c.Evidence {
		quoted += len(ev.Quote)
	}
	score := clamp(float64(quoted) / 200)
	if len(c.Properties) > 0 {
		score = clamp(score + 0.2)
	}
	return score
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// relationEndpoints collects the candidate IDs referenced by relations.
func relationEndpoints(cands []model.NormalizedCandidate) map[string]bool {
	out := make(map[string]bool)
	for _, c := range cands {
		if c.Kind != model.KindRelation {
			continue
		}
		if c.SourceID != "" {
			out[c.SourceID] = true
		}
		if c.TargetID != "" {
			out[c.TargetID] = true
		}
	}
	return out
}

const secondOpinionSystem = `You assess whether a proposed knowledge-graph candidate is genuinely supported by its evidence. Respond with ONLY a number between 0 and 1, where 1 means fully supported.`

// secondOpinion asks the small model to score a review-band candidate.
// Failures and budget denials leave the candidate in human review.
func (g *Gate) secondOpinion(ctx context.Context, doc *model.Document, c model.NormalizedCandidate) (float64, bool) {
	reservation, err := g.governor.Reserve(ctx, doc.TenantID, doc.ID, model.RouteSmall)
	if err != nil {
		zap.L().Debug("second opinion skipped",
			zap.String("candidate_id", c.CandidateID), zap.Error(err))
		return 0, false
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Candidate: %s (%s %s, confidence %.2f)\n", c.Name, c.Kind, c.Type, c.Confidence)
	for _, ev := range c.Evidence {
		fmt.Fprintf(&sb, "Evidence [%s]: %q\n", ev.SegmentID, ev.Quote)
	}

	temp := 0.0
	resp, err := g.dispatcher.Do(ctx, &dispatch.Task{
		Route:         model.RouteSmall,
		Priority:      dispatch.PriorityLow,
		TokenEstimate: len(sb.String()) / 4,
		Request: reasoner.Request{
			Model:       g.models.SmallModel,
			MaxTokens:   16,
			System:      secondOpinionSystem,
			Prompt:      sb.String(),
			Temperature: &temp,
		},
	})
	if err != nil {
		if rerr := g.governor.Refund(ctx, reservation); rerr != nil {
			zap.L().Warn("budget refund failed", zap.Error(rerr))
		}
		zap.L().Debug("second opinion call failed",
			zap.String("candidate_id", c.CandidateID), zap.Error(err))
		return 0, false
	}

	score, err := strconv.ParseFloat(strings.TrimSpace(resp.Text), 64)
	if err != nil || score < 0 || score > 1 {
		zap.L().Debug("second opinion returned non-score",
			zap.String("candidate_id", c.CandidateID),
			zap.String("text", resp.Text))
		return 0, false
	}
	return score, true
}
