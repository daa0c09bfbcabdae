package text

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// MaxSanitizeLength bounds the input accepted for sanitization.
const MaxSanitizeLength = 50000

// Precompiled patterns for sanitization.
var (
	tagPattern        = regexp.MustCompile(`<[^>]+>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Curly quotes normalized to their ASCII forms so the backend reads them
// consistently.
var quoteReplacer = strings.NewReplacer(
	"“", `"`, "”", `"`,
	"‘", "'", "’", "'",
	" ", " ",
)

// Sanitize normalizes input text for synthesis while keeping user content
// intact: HTML entities are unescaped, markup tags removed, smart quotes
// normalized, and runs of whitespace collapsed.
func Sanitize(input string) (string, error) {
	if input == "" {
		return "", nil
	}

	if len(input) > MaxSanitizeLength {
		return "", fmt.Errorf(
			"input text too long for sanitization: %d characters (max %d)",
			len(input), MaxSanitizeLength,
		)
	}

	normalized := html.UnescapeString(input)
	normalized = quoteReplacer.Replace(normalized)

	withoutTags := tagPattern.ReplaceAllString(normalized, " ")
	withoutTags = strings.ReplaceAll(withoutTags, "<", " ")
	withoutTags = strings.ReplaceAll(withoutTags, ">", " ")

	collapsed := whitespacePattern.ReplaceAllString(withoutTags, " ")

	return strings.TrimSpace(collapsed), nil
}
