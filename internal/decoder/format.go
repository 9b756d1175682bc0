package decoder

import (
	"regexp"
	"strings"
)

// citationPattern matches assistant file-citation markers such as [6:0†source].
var citationPattern = regexp.MustCompile(`\[\d+:\d+†.*?\]`)

// FormatContent turns literal "\n" escapes into line breaks and removes
// citation markers.
func FormatContent(text string) string {
	text = strings.ReplaceAll(text, `\n`, "\n")
	return citationPattern.ReplaceAllString(text, "")
}
