// Package capability buckets a model identifier into a coarse tier that
// decides how much manifest detail the model is given.
//
// The classification is a heuristic lookup table. It is total: every string,
// including the empty one, maps to a tier, and anything unrecognized is
// TierStandard.
package capability

import "strings"

// Tier is a coarse capability bucket.
type Tier string

const (
	TierHigh     Tier = "high"
	TierStandard Tier = "standard"
	TierLow      Tier = "low"
)

// Manifest format hints sent as ?format= during discovery.
const (
	FormatEnhanced = "enhanced"
	FormatSummary  = "summary"
)

// Verbosity levels for context handed to the model.
const (
	VerbosityFull     = "full"
	VerbosityModerate = "moderate"
	VerbosityMinimal  = "minimal"
)

// smallModelWords mark a model as low tier when they appear as a whole
// token, e.g. gpt-5-nano or gpt-4o-mini. They are checked before the high
// markers so a small variant of a flagship family stays low.
var smallModelWords = map[string]bool{
	"nano": true,
	"mini": true,
	"tiny": true,
}

// legacyModels are known small or legacy model ids.
var legacyModels = []string{
	"gpt-3.5-turbo-0125",
	"gpt-3.5-turbo-0613",
	"text-davinci",
}

// highMarkers are flagship family prefixes.
var highMarkers = []string{
	"gpt-4",
	"gpt-5",
	"claude-3",
	"claude-opus",
	"claude-sonnet",
	"gemini-pro",
	"gemini-1.5",
	"gemini-2",
	"o1",
	"o3",
}

// Classify returns the tier for a free-text model identifier.
func Classify(model string) Tier {
	id := strings.ToLower(strings.TrimSpace(model))
	if id == "" {
		return TierStandard
	}

	for _, tok := range strings.FieldsFunc(id, isSeparator) {
		if smallModelWords[tok] {
			return TierLow
		}
	}
	for _, m := range legacyModels {
		if hasMarker(id, m) {
			return TierLow
		}
	}
	for _, m := range highMarkers {
		if hasMarker(id, m) {
			return TierHigh
		}
	}
	return TierStandard
}

// FormatHint is the manifest format to request for a tier.
func FormatHint(t Tier) string {
	if t == TierLow {
		return FormatSummary
	}
	return FormatEnhanced
}

// PreferQuickReference reports whether the flattened quick-reference field
// summary should be consulted before the full operations schema.
func PreferQuickReference(t Tier) bool {
	return t != TierHigh
}

// Verbosity is the recommended context verbosity for a tier.
func Verbosity(t Tier) string {
	switch t {
	case TierHigh:
		return VerbosityFull
	case TierLow:
		return VerbosityMinimal
	default:
		return VerbosityModerate
	}
}

// hasMarker reports whether marker occurs in id starting at a token boundary,
// so "o1" matches "o1-preview" and "openai/o1" but not "gpt-4o1x".
func hasMarker(id, marker string) bool {
	for i := 0; i+len(marker) <= len(id); i++ {
		if (i == 0 || isSeparator(rune(id[i-1]))) && strings.HasPrefix(id[i:], marker) {
			return true
		}
	}
	return false
}

func isSeparator(r rune) bool {
	switch r {
	case '-', '_', '.', '/', ':', '@', ' ':
		return true
	}
	return false
}
