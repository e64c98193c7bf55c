package analyzer

import "strings"

// Per-language marker lists for narrative-thread detection. A hit on
// either list flags the segment as narratively connected.
var causalConnectives = map[string][]string{
	"en": {"because", "therefore", "as a result", "consequently", "due to", "hence", "thus", "which led to", "caused by"},
	"de": {"weil", "deshalb", "daher", "folglich", "aufgrund", "somit", "infolgedessen"},
	"fr": {"parce que", "donc", "par conséquent", "en raison de", "ainsi", "c'est pourquoi"},
	"es": {"porque", "por lo tanto", "en consecuencia", "debido a", "así que", "por eso"},
}

var temporalMarkers = map[string][]string{
	"en": {"revised", "replaced", "superseded", "deprecated", "updated", "initially", "previously", "subsequently", "v2", "version 2", "amendment"},
	"de": {"überarbeitet", "ersetzt", "aktualisiert", "ursprünglich", "zuvor", "anschließend", "fassung"},
	"fr": {"révisé", "remplacé", "mis à jour", "initialement", "précédemment", "ultérieurement"},
	"es": {"revisado", "reemplazado", "actualizado", "inicialmente", "anteriormente", "posteriormente"},
}

// hasNarrativeMarkers reports whether the text contains causal connectives
// or temporal/versioning markers for the given language. Unknown languages
// fall back to the English lists.
func hasNarrativeMarkers(text, lang string) bool {
	lower := strings.ToLower(text)

	causal, ok := causalConnectives[lang]
	if !ok {
		causal = causalConnectives["en"]
	}
	for _, m := range causal {
		if strings.Contains(lower, m) {
			return true
		}
	}

	temporal, ok := temporalMarkers[lang]
	if !ok {
		temporal = temporalMarkers["en"]
	}
	for _, m := range temporal {
		if strings.Contains(lower, m) {
			return true
		}
	}

	return false
}
