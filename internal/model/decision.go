package model

// PromotionAction is the outcome of one gate evaluation pass.
type PromotionAction string

const (
	ActionAutoPromote PromotionAction = "AUTO_PROMOTE"
	ActionHumanReview PromotionAction = "HUMAN_REVIEW"
	ActionReject      PromotionAction = "REJECT"
)

// PromotionDecision records the gate's verdict for one candidate.
// Idempotent given identical inputs.
type PromotionDecision struct {
	CandidateID    string             `json:"candidate_id"`
	Action         PromotionAction    `json:"action"`
	CompositeScore float64            `json:"composite_score"`
	ScoreBreakdown map[string]float64 `json:"score_breakdown"`
	Reason         string             `json:"reason"`
}

// RubricWeights are the relative weights of the gate's sub-scores.
type RubricWeights struct {
	Confidence         float64 `yaml:"confidence" json:"confidence"`
	MentionCount       float64 `yaml:"mention_count" json:"mention_count"`
	TypeValidity       float64 `yaml:"type_validity" json:"type_validity"`
	OrphanPenalty      float64 `yaml:"orphan_penalty" json:"orphan_penalty"`
	NarrativeCoherence float64 `yaml:"narrative_coherence" json:"narrative_coherence"`
	SemanticUniqueness float64 `yaml:"semantic_uniqueness" json:"semantic_uniqueness"`
	CausalQuality      float64 `yaml:"causal_quality" json:"causal_quality"`
	ContextualRichness float64 `yaml:"contextual_richness" json:"contextual_richness"`
}

// PIIPolicy controls how personally identifying data in candidate evidence
// is handled. Secrets always force rejection regardless of policy.
type PIIPolicy string

const (
	PIIAnonymize PIIPolicy = "anonymize"
	PIIReject    PIIPolicy = "reject"
)

// GateProfile is the immutable, versioned rubric configuration for one
// (domain, language) pair. Profiles are retuned between documents by an
// external job and never mutated mid-document.
type GateProfile struct {
	Version              int           `yaml:"version" json:"version"`
	Domain               string        `yaml:"domain" json:"domain"`
	Language             string        `yaml:"language" json:"language"`
	AutoPromoteThreshold float64       `yaml:"auto_promote_threshold" json:"auto_promote_threshold"`
	HumanReviewThreshold float64       `yaml:"human_review_threshold" json:"human_review_threshold"`
	RejectThreshold      float64       `yaml:"reject_threshold" json:"reject_threshold"`
	Weights              RubricWeights `yaml:"weights" json:"weights"`
	PIIPolicy            PIIPolicy     `yaml:"pii_policy" json:"pii_policy"`
}

// DefaultGateProfile returns the baseline profile used when no tuned
// profile exists for a (domain, language) pair.
func DefaultGateProfile() GateProfile {
	return GateProfile{
		Version:              1,
		Domain:               "default",
		Language:             "en",
		AutoPromoteThreshold: 0.85,
		HumanReviewThreshold: 0.70,
		RejectThreshold:      0.40,
		Weights: RubricWeights{
			Confidence:         0.4,
			MentionCount:       0.2,
			TypeValidity:       0.2,
			OrphanPenalty:      0.2,
			NarrativeCoherence: 0.3,
			SemanticUniqueness: 0.3,
			CausalQuality:      0.2,
			ContextualRichness: 0.2,
		},
		PIIPolicy: PIIAnonymize,
	}
}
