package skills

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// ChannelAdapter is a pure function from canonical deliverable to a
// channel-specific variant. Adapters never perform I/O.
type ChannelAdapter func(canonical map[string]interface{}) map[string]interface{}

// channelAdapters is the built-in adapter table. Unknown channel names
// requested by a caller are a validation error, not a silent skip.
var channelAdapters = map[string]ChannelAdapter{
	"linkedin":  linkedinAdapter,
	"instagram": instagramAdapter,
	"facebook":  facebookAdapter,
	"youtube":   youtubeAdapter,
	"whatsapp":  whatsappAdapter,
}

// Channels lists the supported channel names, sorted.
func Channels() []string {
	names := make([]string, 0, len(channelAdapters))
	for name := range channelAdapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RenderVariants applies the adapter for each requested channel.
func RenderVariants(canonical map[string]interface{}, channels []string) (map[string]map[string]interface{}, error) {
	out := make(map[string]map[string]interface{}, len(channels))
	for _, ch := range channels {
		adapter, ok := channelAdapters[ch]
		if !ok {
			return nil, fmt.Errorf("unknown channel %q", ch)
		}
		out[ch] = adapter(canonical)
	}
	return out, nil
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func hashtags(canonical map[string]interface{}) []string {
	raw, _ := canonical["tags"].([]interface{})
	tags := make([]string, 0, len(raw))
	for _, t := range raw {
		if s, ok := t.(string); ok && s != "" {
			tags = append(tags, "#"+strings.ReplaceAll(strings.ToLower(s), " ", ""))
		}
	}
	sort.Strings(tags)
	return tags
}

// clip truncates to at most max bytes, backing up to a rune boundary
// so variants stay valid UTF-8.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 1
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func linkedinAdapter(c map[string]interface{}) map[string]interface{} {
	body := stringField(c, "message")
	if tags := hashtags(c); len(tags) > 0 {
		body = body + "\n\n" + strings.Join(tags, " ")
	}
	return map[string]interface{}{
		"channel": "linkedin",
		"body":    clip(body, 3000),
	}
}

func instagramAdapter(c map[string]interface{}) map[string]interface{} {
	caption := stringField(c, "message")
	if tags := hashtags(c); len(tags) > 0 {
		caption = caption + "\n" + strings.Join(tags, " ")
	}
	return map[string]interface{}{
		"channel":   "instagram",
		"caption":   clip(caption, 2200),
		"media_ref": stringField(c, "media_ref"),
	}
}

func facebookAdapter(c map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"channel": "facebook",
		"body":    stringField(c, "message"),
		"link":    stringField(c, "link"),
	}
}

func youtubeAdapter(c map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"channel":     "youtube",
		"title":       clip(stringField(c, "headline"), 100),
		"description": clip(stringField(c, "message"), 5000),
	}
}

func whatsappAdapter(c map[string]interface{}) map[string]interface{} {
	// WhatsApp variants are short and hashtag-free.
	return map[string]interface{}{
		"channel": "whatsapp",
		"body":    clip(stringField(c, "message"), 1024),
	}
}
