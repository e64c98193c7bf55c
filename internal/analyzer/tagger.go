package analyzer

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
)

// EntityLabel is the fixed label set the lightweight tagger emits.
type EntityLabel string

const (
	LabelName    EntityLabel = "NAME"    // capitalized multi-word spans
	LabelOrg     EntityLabel = "ORG"     // names carrying legal/org suffixes
	LabelDate    EntityLabel = "DATE"    // dates and years
	LabelMoney   EntityLabel = "MONEY"   // currency amounts
	LabelVersion EntityLabel = "VERSION" // version/revision identifiers
)

// TaggedEntity is one mention found by the tagger.
type TaggedEntity struct {
	Text  string
	Label EntityLabel
}

var (
	dateRe    = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}[./]\d{1,2}[./]\d{2,4}|(19|20)\d{2})\b`)
	moneyRe   = regexp.MustCompile(`[$€£]\s?\d[\d,.]*|\b\d[\d,.]*\s?(USD|EUR|GBP)\b`)
	versionRe = regexp.MustCompile(`\b[vV]\d+(\.\d+)*\b|\b[A-Z]{2,}\s+v?\d+(\.\d+)*\b`)

	orgSuffixes = []string{"Inc", "LLC", "Ltd", "Corp", "GmbH", "AG", "S.A.", "Co", "SE"}
)

// supportedLangs is the set of languages the tagger has marker lists for.
// Unsupported languages are an error so the analyzer can fall back to
// conservative defaults rather than producing garbage counts.
var supportedLangs = map[string]bool{"en": true, "de": true, "fr": true, "es": true}

// tagEntities runs the lightweight tagger restricted to the fixed label
// set. It is intentionally shallow: routing only needs a density estimate,
// not correct boundaries.
func tagEntities(text, lang string) ([]TaggedEntity, error) {
	if !supportedLangs[lang] {
		return nil, eris.Errorf("tagger: unsupported language %q", lang)
	}

	var out []TaggedEntity
	seen := make(map[string]bool)
	add := func(s string, label EntityLabel) {
		s = strings.TrimSpace(s)
		if s == "" || seen[label.key(s)] {
			return
		}
		seen[label.key(s)] = true
		out = append(out, TaggedEntity{Text: s, Label: label})
	}

	for _, m := range dateRe.FindAllString(text, -1) {
		add(m, LabelDate)
	}
	for _, m := range moneyRe.FindAllString(text, -1) {
		add(m, LabelMoney)
	}
	for _, m := range versionRe.FindAllString(text, -1) {
		add(m, LabelVersion)
	}

	for _, span := range capitalizedSpans(text) {
		label := LabelName
		for _, suf := range orgSuffixes {
			if strings.HasSuffix(span, " "+suf) || strings.HasSuffix(span, " "+suf+".") {
				label = LabelOrg
				break
			}
		}
		add(span, label)
	}

	return out, nil
}

func (l EntityLabel) key(s string) string {
	return string(l) + "\x00" + strings.ToLower(s)
}

// capitalizedSpans finds runs of ≥2 consecutive capitalized words, the
// cheap proxy for proper-noun mentions. Sentence-initial single words are
// deliberately not counted.
func capitalizedSpans(text string) []string {
	words := strings.Fields(text)
	var spans []string
	var current []string

	flush := func() {
		if len(current) >= 2 {
			spans = append(spans, strings.Join(current, " "))
		}
		current = nil
	}

	for i, w := range words {
		trimmed := strings.TrimRight(w, ".,;:!?)\"'")
		if isCapitalized(trimmed) && !(i == 0 || endsSentence(words[i-1])) {
			current = append(current, trimmed)
			continue
		}
		// Allow a span to start anywhere as long as the next word continues it.
		if isCapitalized(trimmed) {
			flush()
			current = []string{trimmed}
			continue
		}
		flush()
	}
	flush()

	return spans
}

func isCapitalized(w string) bool {
	if w == "" {
		return false
	}
	r := []rune(w)[0]
	return unicode.IsUpper(r)
}

func endsSentence(w string) bool {
	return strings.HasSuffix(w, ".") || strings.HasSuffix(w, "!") || strings.HasSuffix(w, "?")
}

// nounPhraseDensity estimates the fraction of words participating in
// noun-ish phrases (capitalized spans plus determiner+noun patterns).
func nounPhraseDensity(words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	count := 0
	for i, w := range words {
		trimmed := strings.TrimRight(w, ".,;:!?")
		if isCapitalized(trimmed) && i > 0 {
			count++
			continue
		}
		if i > 0 && isDeterminer(words[i-1]) {
			count++
		}
	}
	d := float64(count) / float64(len(words)) * 3 // scale: ~33% noun words → 1.0
	if d > 1 {
		d = 1
	}
	return d
}

func isDeterminer(w string) bool {
	switch strings.ToLower(strings.TrimRight(w, ".,;:!?")) {
	case "the", "a", "an", "this", "that", "these", "those", "its", "their":
		return true
	}
	return false
}

// averageSentenceLength returns mean words per sentence.
func averageSentenceLength(text string) float64 {
	sentences := 0
	words := 0
	for _, s := range regexp.MustCompile(`[.!?]+\s`).Split(text+" ", -1) {
		n := len(strings.Fields(s))
		if n == 0 {
			continue
		}
		sentences++
		words += n
	}
	if sentences == 0 {
		return 0
	}
	return float64(words) / float64(sentences)
}

// nestingDepth returns the maximum depth of parenthetical and subordinate
// clause nesting, a cheap proxy for syntactic depth.
func nestingDepth(text string) float64 {
	depth, maxDepth := 0, 0
	commaClauses := 0
	for _, r := range text {
		switch r {
		case '(', '[':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']':
			if depth > 0 {
				depth--
			}
		case ',':
			commaClauses++
		case '.':
			commaClauses = 0
		}
		if commaClauses/3 > maxDepth {
			maxDepth = commaClauses / 3
		}
	}
	return float64(maxDepth)
}
