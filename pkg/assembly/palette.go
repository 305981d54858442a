package assembly

// palette maps named style tokens from slide manifests to hex colors.
// Unknown tokens pass through untouched so manifests may use raw hex.
var palette = map[string]string{
	"primary":    "1F2A44",
	"secondary":  "4A5B7D",
	"accent":     "E8542F",
	"muted":      "8A93A6",
	"background": "FFFFFF",
	"positive":   "2E8B57",
	"negative":   "C0392B",
	"text":       "1A1A1A",
}

// alignments are the supported text alignment tokens.
var alignments = map[string]bool{
	"left":    true,
	"center":  true,
	"right":   true,
	"justify": true,
}

// resolveColor maps a palette token to its hex value, passing raw hex
// (or unknown tokens) through unchanged.
func resolveColor(token string) string {
	if hex, ok := palette[token]; ok {
		return hex
	}
	return token
}

// resolveAlign returns the alignment token if supported, empty otherwise.
func resolveAlign(token string) string {
	if alignments[token] {
		return token
	}
	return ""
}
