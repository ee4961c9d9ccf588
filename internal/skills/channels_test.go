package skills

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderVariants_PerChannelShape(t *testing.T) {
	canonical := map[string]interface{}{
		"headline":  "Spring launch",
		"message":   "Our new serum is here.",
		"media_ref": "img-42",
		"link":      "https://example.com/serum",
		"tags":      []interface{}{"Skin Care", "beauty"},
	}

	variants, err := RenderVariants(canonical, []string{"linkedin", "instagram", "facebook", "youtube", "whatsapp"})
	require.NoError(t, err)
	require.Len(t, variants, 5)

	li := variants["linkedin"]
	assert.Equal(t, "linkedin", li["channel"])
	assert.Contains(t, li["body"], "#beauty #skincare", "hashtags are lowercased, de-spaced, sorted")

	ig := variants["instagram"]
	assert.Equal(t, "img-42", ig["media_ref"])
	assert.Contains(t, ig["caption"], "#skincare")

	fb := variants["facebook"]
	assert.Equal(t, "https://example.com/serum", fb["link"])

	yt := variants["youtube"]
	assert.Equal(t, "Spring launch", yt["title"])

	wa := variants["whatsapp"]
	assert.NotContains(t, wa["body"], "#", "whatsapp variants carry no hashtags")
}

func TestRenderVariants_UnknownChannel(t *testing.T) {
	_, err := RenderVariants(map[string]interface{}{}, []string{"linkedin", "myspace"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "myspace")
}

func TestRenderVariants_ClipsLongBodies(t *testing.T) {
	long := strings.Repeat("x", 4000)
	variants, err := RenderVariants(map[string]interface{}{"message": long}, []string{"linkedin", "whatsapp"})
	require.NoError(t, err)

	assert.LessOrEqual(t, len(variants["linkedin"]["body"].(string)), 3000+len("…"))
	assert.LessOrEqual(t, len(variants["whatsapp"]["body"].(string)), 1024+len("…"))
}

func TestRenderVariants_ClipsOnRuneBoundaries(t *testing.T) {
	// "日" is three bytes; byte-slicing mid-rune would produce invalid
	// UTF-8 in the truncated variant.
	long := strings.Repeat("日", 2000)
	variants, err := RenderVariants(map[string]interface{}{"message": long}, []string{"whatsapp"})
	require.NoError(t, err)

	body := variants["whatsapp"]["body"].(string)
	assert.True(t, utf8.ValidString(body), "truncation must not split a rune")
	assert.LessOrEqual(t, len(body), 1024+len("…"))
	assert.True(t, strings.HasSuffix(body, "…"))
}

func TestRenderVariants_Deterministic(t *testing.T) {
	canonical := map[string]interface{}{
		"message": "same in, same out",
		"tags":    []interface{}{"b", "a", "c"},
	}
	first, err := RenderVariants(canonical, []string{"linkedin"})
	require.NoError(t, err)
	second, err := RenderVariants(canonical, []string{"linkedin"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestChannels_SortedNames(t *testing.T) {
	assert.Equal(t, []string{"facebook", "instagram", "linkedin", "whatsapp", "youtube"}, Channels())
}
