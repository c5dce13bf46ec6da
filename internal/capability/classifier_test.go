package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		model string
		want  Tier
	}{
		{"gpt-4o", TierHigh},
		{"GPT-4-Turbo", TierHigh},
		{"openai/gpt-4o", TierHigh},
		{"claude-3-5-sonnet-20241022", TierHigh},
		{"claude-opus-4", TierHigh},
		{"gemini-2.5-flash", TierHigh},
		{"gemini-1.5-pro", TierHigh},
		{"o1-preview", TierHigh},
		{"o3", TierHigh},
		{"gpt-5", TierHigh},

		{"gpt-5-nano", TierLow},
		{"gpt-4o-mini", TierLow},
		{"tiny-llama", TierLow},
		{"gpt-3.5-turbo-0125", TierLow},
		{"text-davinci-003", TierLow},

		{"gpt-3.5-turbo", TierStandard},
		{"some-unknown-model-xyz", TierStandard},
		{"gemini", TierStandard},
		{"geminiultra", TierStandard},
		{"", TierStandard},
		{"   ", TierStandard},
	}

	for _, tc := range testCases {
		t.Run(tc.model, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.model))
		})
	}
}

func TestDerivedSettings(t *testing.T) {
	assert.Equal(t, FormatEnhanced, FormatHint(TierHigh))
	assert.Equal(t, FormatEnhanced, FormatHint(TierStandard))
	assert.Equal(t, FormatSummary, FormatHint(TierLow))

	assert.False(t, PreferQuickReference(TierHigh))
	assert.True(t, PreferQuickReference(TierStandard))
	assert.True(t, PreferQuickReference(TierLow))

	assert.Equal(t, VerbosityFull, Verbosity(TierHigh))
	assert.Equal(t, VerbosityModerate, Verbosity(TierStandard))
	assert.Equal(t, VerbosityMinimal, Verbosity(TierLow))
	assert.Equal(t, VerbosityModerate, Verbosity(Tier("bogus")))
}

func FuzzClassify(f *testing.F) {
	f.Add("gpt-4o")
	f.Add("gpt-5-nano")
	f.Add("")
	f.Fuzz(func(t *testing.T, model string) {
		switch Classify(model) {
		case TierHigh, TierStandard, TierLow:
		default:
			t.Fatalf("unexpected tier for %q", model)
		}
	})
}
