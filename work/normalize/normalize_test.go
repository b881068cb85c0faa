package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRules(t *testing.T) []Rule {
	t.Helper()
	specs := []struct {
		group   string
		pattern string
		capture int
	}{
		{"resolution", `\b(4K|UHD|FHD|HD|SD)\b`, 1},
		{"video_codec", `\b(HEVC|H265|H\.265)\b`, 1},
		{"country", `^(UK|US|DE|FR)\s*[:\|-]`, 1},
		{"event", `\b(PPV|EVENT)\b`, 1},
		{"misc", `\[(VIP)\]`, 1},
	}
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		r, err := CompileRule(s.group, s.pattern, s.capture)
		require.NoError(t, err)
		rules = append(rules, r)
	}
	return rules
}

func TestExtractTagsAndCleanName(t *testing.T) {
	res := Extract("UK: BBC One FHD HEVC [VIP]", mustRules(t))

	assert.Equal(t, "BBC One", res.AutoName)
	assert.Equal(t, "FHD", res.Tag("resolution"))
	assert.Equal(t, "HEVC", res.Tag("video_codec"))
	assert.Equal(t, "UK", res.Tag("country"))
	assert.Equal(t, "VIP", res.Tag("misc"))
	assert.False(t, res.IsHeader)
	assert.False(t, res.IsEvent)
	assert.False(t, res.IsRaw)
}

func TestExtractIsDeterministic(t *testing.T) {
	rules := mustRules(t)
	a := Extract("US: ESPN HD PPV", rules)
	b := Extract("US: ESPN HD PPV", rules)
	assert.Equal(t, a, b)
}

func TestHeaderDetection(t *testing.T) {
	rules := mustRules(t)

	for _, name := range []string{
		"#### UK SPORTS ####",
		"★★ MOVIES ★★",
		"======== NEWS ========",
	} {
		res := Extract(name, rules)
		assert.True(t, res.IsHeader, "expected header: %q", name)
		assert.Empty(t, res.Tags, "headers carry no tags: %q", name)
	}

	res := Extract("UK: Sky Sports HD", rules)
	assert.False(t, res.IsHeader)
}

func TestHeaderRuleFromSettings(t *testing.T) {
	rule, err := CompileRule("header", `^-- .+ --$`, 0)
	require.NoError(t, err)

	res := Extract("-- Documentaries --", []Rule{rule})
	assert.True(t, res.IsHeader)
}

func TestRawAndEventFlags(t *testing.T) {
	rules := mustRules(t)

	res := Extract("UK: Boxing PPV RAW HD", rules)
	assert.True(t, res.IsRaw)
	assert.True(t, res.IsEvent)
	assert.Equal(t, "Boxing", res.AutoName)

	// small-caps homograph RAW is folded before the token check
	res = Extract("Fight Night ᴿᴬᵂ", rules)
	assert.True(t, res.IsRaw)
	assert.Equal(t, "Fight Night", res.AutoName)
}

func TestWhitespaceCollapse(t *testing.T) {
	res := Extract("  BBC   Two\t HD ", mustRules(t))
	assert.Equal(t, "BBC Two", res.AutoName)
	assert.Equal(t, "HD", res.Tag("resolution"))
}

func TestFullyConsumedNameFallsBackToRaw(t *testing.T) {
	rule, err := CompileRule("misc", `.+`, 0)
	require.NoError(t, err)

	res := Extract("Everything", []Rule{rule})
	// the rule ate the whole name; keep the original rather than emit nothing
	assert.Equal(t, "Everything", res.AutoName)
}

func TestEmptyNameAndNoRules(t *testing.T) {
	res := Extract("", nil)
	assert.Equal(t, "", res.AutoName)

	res = Extract("Plain Channel", nil)
	assert.Equal(t, "Plain Channel", res.AutoName)
	assert.Empty(t, res.Tags)
}
