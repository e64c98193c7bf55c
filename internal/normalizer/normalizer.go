// Package normalizer canonicalizes raw extraction candidates: it
// normalizes names, merges near-duplicates of the same type, and
// assigns deterministic candidate IDs so re-ingesting a document
// upserts instead of duplicating.
package normalizer

import (
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/config"
	"github.com/sells-group/ingest-cli/internal/model"
)

// legalSuffixes lists common legal entity suffixes stripped during name
// normalization.
var legalSuffixes = []string{
	" LLC", " L.L.C.", " L.L.C",
	" INC", " INC.", " INCORPORATED",
	" CORP", " CORP.", " CORPORATION",
	" LTD", " LTD.", " LIMITED",
	" LP", " L.P.", " L.P",
	" LLP", " L.L.P.", " L.L.P",
	" GMBH", " AG", " SA", " S.A.",
	" CO", " CO.",
	" PLC", " P.L.C.",
	" PLLC",
}

var multiSpaceRe = regexp.MustCompile(`\s{2,}`)

// NormalizeName standardizes an entity name for identity matching by:
//  1. Trimming whitespace
//  2. Converting to uppercase
//  3. Removing common legal suffixes (LLC, Inc, GmbH, etc.) for
//     organization-like types
//  4. Stripping punctuation (commas, periods, quotes, dashes, ampersands)
//  5. Collapsing multiple spaces into single spaces
func NormalizeName(name, typ string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	name = strings.ToUpper(name)

	if isOrgType(typ) {
		for _, suffix := range legalSuffixes {
			if strings.HasSuffix(name, suffix) {
				name = strings.TrimSuffix(name, suffix)
				break
			}
		}
	}

	name = strings.NewReplacer(
		",", "",
		".", "",
		"'", "",
		"\"", "",
		"&", "AND",
		"-", " ",
	).Replace(name)

	name = multiSpaceRe.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}

func isOrgType(typ string) bool {
	switch strings.ToUpper(typ) {
	case "ORG", "ORGANIZATION", "COMPANY", "VENDOR", "CUSTOMER":
		return true
	}
	return false
}

// Normalizer merges near-duplicate candidates within a document.
type Normalizer struct {
	cfg config.NormalizerConfig
}

func New(cfg config.NormalizerConfig) *Normalizer {
	return &Normalizer{cfg: cfg}
}

// cluster accumulates raw candidates that resolve to one identity.
type cluster struct {
	canonical  string // normalized name of the first (highest-confidence) member
	display    string
	typ        string
	kind       model.CandidateKind
	confidence float64
	evidence   []model.EvidenceSpan
	properties map[string]string
	mergedFrom []string
	source     string
	target     string
	sig        uint64
}

// Normalize merges the raw candidates for one tenant into normalized
// candidates with deterministic IDs. Entities merge when they share a
// type and either an identical normalized name or a name similarity at
// or above the configured threshold. Relations are keyed by
// (type, source, target) after their endpoints resolve.
func (n *Normalizer) Normalize(tenantID string, cands []model.ExtractionCandidate) []model.NormalizedCandidate {
	entities := make([]model.ExtractionCandidate, 0, len(cands))
	relations := make([]model.ExtractionCandidate, 0)
	for _, c := range cands {
		if c.Kind == model.KindRelation {
			relations = append(relations, c)
		} else {
			entities = append(entities, c)
		}
	}

	// Highest confidence first so the cluster canonical name comes from
	// the strongest mention. Ties break on normalized name for
	// determinism.
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].Confidence != entities[j].Confidence {
			return entities[i].Confidence > entities[j].Confidence
		}
		return NormalizeName(entities[i].Name, entities[i].Type) < NormalizeName(entities[j].Name, entities[j].Type)
	})

	var clusters []*cluster
	nameToCluster := make(map[string]*cluster) // typ\x00normalized → cluster

	for _, e := range entities {
		norm := NormalizeName(e.Name, e.Type)
		if norm == "" {
			continue
		}
		key := e.Type + "\x00" + norm
		if cl, ok := nameToCluster[key]; ok {
			cl.absorb(e, norm)
			continue
		}
		if cl := n.nearest(clusters, e.Type, norm); cl != nil {
			cl.absorb(e, norm)
			nameToCluster[key] = cl
			continue
		}
		cl := &cluster{
			canonical:  norm,
			display:    e.Name,
			typ:        e.Type,
			kind:       model.KindEntity,
			confidence: e.Confidence,
			evidence:   append([]model.EvidenceSpan(nil), e.Evidence...),
			properties: copyProps(e.Properties),
			mergedFrom: []string{e.Name},
			sig:        Simhash(norm),
		}
		clusters = append(clusters, cl)
		nameToCluster[key] = cl
	}

	// Map every raw entity name to its cluster's candidate ID so relation
	// endpoints resolve.
	idOf := func(name, typ string) string {
		norm := NormalizeName(name, typ)
		if typ != "" {
			if cl, ok := nameToCluster[typ+"\x00"+norm]; ok {
				return model.ComputeCandidateID(tenantID, cl.canonical, cl.typ)
			}
			if cl := n.nearest(clusters, typ, norm); cl != nil {
				return model.ComputeCandidateID(tenantID, cl.canonical, cl.typ)
			}
			return ""
		}
		// Untyped endpoint: match by normalized name across all clusters,
		// exact first, then best similarity above the merge threshold.
		threshold := n.cfg.SimilarityThreshold
		if threshold <= 0 {
			threshold = 0.85
		}
		var best *cluster
		bestScore := threshold
		for _, cl := range clusters {
			candNorm := NormalizeName(name, cl.typ)
			if cl.canonical == candNorm {
				return model.ComputeCandidateID(tenantID, cl.canonical, cl.typ)
			}
			if score := Similarity(cl.sig, Simhash(candNorm)); score >= bestScore {
				best = cl
				bestScore = score
			}
		}
		if best != nil {
			return model.ComputeCandidateID(tenantID, best.canonical, best.typ)
		}
		return ""
	}

	out := make([]model.NormalizedCandidate, 0, len(clusters))
	for _, cl := range clusters {
		out = append(out, cl.normalized(tenantID))
	}

	relClusters := make(map[string]*model.NormalizedCandidate)
	var relOrder []string
	for _, r := range relations {
		srcType, dstType := endpointTypes(r)
		sourceID := idOf(r.Source, srcType)
		targetID := idOf(r.Target, dstType)
		if sourceID == "" || targetID == "" {
			zap.L().Debug("dropping relation with unresolved endpoint",
				zap.String("relation", r.Type),
				zap.String("source", r.Source),
				zap.String("target", r.Target))
			continue
		}
		key := r.Type + "\x00" + sourceID + "\x00" + targetID
		if nc, ok := relClusters[key]; ok {
			nc.Evidence = append(nc.Evidence, r.Evidence...)
			nc.MergedFrom = append(nc.MergedFrom, r.Name)
			if r.Confidence > nc.Confidence {
				nc.Confidence = r.Confidence
			}
			continue
		}
		nc := &model.NormalizedCandidate{
			CandidateID: model.ComputeCandidateID(tenantID, r.Type+"|"+sourceID+"|"+targetID, r.Type),
			TenantID:    tenantID,
			Kind:        model.KindRelation,
			Name:        r.Name,
			Type:        r.Type,
			Confidence:  r.Confidence,
			Evidence:    append([]model.EvidenceSpan(nil), r.Evidence...),
			Properties:  copyProps(r.Properties),
			MergedFrom:  []string{r.Name},
			Status:      model.StatusProvisional,
			SourceID:    sourceID,
			TargetID:    targetID,
		}
		relClusters[key] = nc
		relOrder = append(relOrder, key)
	}
	for _, key := range relOrder {
		out = append(out, *relClusters[key])
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CandidateID < out[j].CandidateID })
	return out
}

// nearest finds an existing same-type cluster whose name similarity
// clears the merge threshold.
func (n *Normalizer) nearest(clusters []*cluster, typ, norm string) *cluster {
	threshold := n.cfg.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.85
	}
	sig := Simhash(norm)
	var best *cluster
	bestScore := threshold
	for _, cl := range clusters {
		if cl.typ != typ {
			continue
		}
		score := Similarity(cl.sig, sig)
		if score > bestScore || (score == bestScore && best == nil) {
			best = cl
			bestScore = score
		}
	}
	return best
}

func (cl *cluster) absorb(e model.ExtractionCandidate, norm string) {
	cl.evidence = append(cl.evidence, e.Evidence...)
	cl.mergedFrom = append(cl.mergedFrom, e.Name)
	if e.Confidence > cl.confidence {
		cl.confidence = e.Confidence
	}
	for k, v := range e.Properties {
		if _, exists := cl.properties[k]; !exists {
			if cl.properties == nil {
				cl.properties = make(map[string]string)
			}
			cl.properties[k] = v
		}
	}
}

func (cl *cluster) normalized(tenantID string) model.NormalizedCandidate {
	sort.Strings(cl.mergedFrom)
	return model.NormalizedCandidate{
		CandidateID: model.ComputeCandidateID(tenantID, cl.canonical, cl.typ),
		TenantID:    tenantID,
		Kind:        cl.kind,
		Name:        cl.display,
		Type:        cl.typ,
		Confidence:  cl.confidence,
		Evidence:    dedupeEvidence(cl.evidence),
		Properties:  cl.properties,
		MergedFrom:  dedupeStrings(cl.mergedFrom),
		Status:      model.StatusProvisional,
	}
}

// endpointTypes guesses endpoint entity types from relation properties,
// falling back to untyped lookup.
func endpointTypes(r model.ExtractionCandidate) (string, string) {
	src := r.Properties["source_type"]
	dst := r.Properties["target_type"]
	return src, dst
}

func dedupeEvidence(spans []model.EvidenceSpan) []model.EvidenceSpan {
	seen := make(map[model.EvidenceSpan]struct{}, len(spans))
	out := spans[:0]
	for _, s := range spans {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func dedupeStrings(ss []string) []string {
	seen := make(map[string]struct{}, len(ss))
	out := ss[:0]
	for _, s := range ss {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func copyProps(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
