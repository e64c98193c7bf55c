package gate

import (
	"regexp"
	"strings"

	"github.com/sells-group/ingest-cli/internal/model"
)

// Secret patterns force rejection regardless of score or PII policy.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),                          // AWS access key
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`),                // GitHub tokens
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`),                     // API secret keys
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`),              // Slack tokens
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.eyJ[A-Za-z0-9_-]{10,}`), // JWTs
	regexp.MustCompile(`(?i)\b(password|passwd|secret)\s*[:=]\s*\S{6,}`),
}

var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), // email
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),                              // SSN
	regexp.MustCompile(`\+?\d[\d\s().-]{8,}\d\b`),                            // phone
	regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`),                            // card number
}

// ScreenResult reports what the screen found in one candidate.
type ScreenResult struct {
	HasSecret bool
	HasPII    bool
}

// screen inspects the candidate's name, properties, and evidence quotes.
func screen(c model.NormalizedCandidate) ScreenResult {
	var res ScreenResult
	for _, text := range screenableText(c) {
		for _, re := range secretPatterns {
			if re.MatchString(text) {
				res.HasSecret = true
			}
		}
		for _, re := range piiPatterns {
			if re.MatchString(text) {
				res.HasPII = true
			}
		}
	}
	return res
}

func screenableText(c model.NormalizedCandidate) []string {
	out := []string{c.Name}
	for _, v := range c.Properties {
		out = append(out, v)
	}
	for _, ev := range c.Evidence {
		out = append(out, ev.Quote)
	}
	return out
}

// anonymize masks PII matches in the candidate's surface fields. The
// underlying source text is untouched; only what would be written to
// the graph is masked. Masked evidence quotes keep their byte length
// and are flagged, so span validation checks offsets instead of an
// exact text match.
func anonymize(c *model.NormalizedCandidate) {
	mask := func(s string) string {
		for _, re := range piiPatterns {
			s = re.ReplaceAllStringFunc(s, func(m string) string {
				return strings.Repeat("*", len(m))
			})
		}
		return s
	}
	c.Name = mask(c.Name)
	for k, v := range c.Properties {
		c.Properties[k] = mask(v)
	}
	for i := range c.Evidence {
		masked := mask(c.Evidence[i].Quote)
		if masked != c.Evidence[i].Quote {
			c.Evidence[i].Quote = masked
			c.Evidence[i].Anonymized = true
		}
	}
}
