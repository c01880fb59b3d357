// Package ingest handles the first pipeline stage: normalization,
// hash-based deduplication and queuing for embedding.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
)

// MinNormalizedLength is the minimum normalized length for a signal to be
// worth processing; anything shorter carries no clusterable content.
const MinNormalizedLength = 3

var (
	urlPattern        = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+|www\.[^\s<>"{}|\\^` + "`" + `\[\]]+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Normalize canonicalizes raw feedback text for deduplication: lowercase,
// URLs stripped, punctuation removed (apostrophes inside words survive, so
// "doesn't" keeps its contraction), whitespace collapsed and trimmed.
func Normalize(text string) string {
	result := strings.ToLower(text)
	result = urlPattern.ReplaceAllString(result, " ")
	result = stripPunctuation(result)
	result = whitespacePattern.ReplaceAllString(result, " ")
	return strings.TrimSpace(result)
}

// stripPunctuation replaces every rune outside [word, space, apostrophe]
// with a space, and apostrophes not flanked by word runes on both sides.
func stripPunctuation(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s))

	for i, r := range runes {
		switch {
		case isWord(r) || unicode.IsSpace(r):
			b.WriteRune(r)
		case r == '\'':
			prevWord := i > 0 && isWord(runes[i-1])
			nextWord := i+1 < len(runes) && isWord(runes[i+1])
			if prevWord && nextWord {
				b.WriteRune(r)
			} else {
				b.WriteRune(' ')
			}
		default:
			b.WriteRune(' ')
		}
	}
	return b.String()
}

func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Hash returns the hex-encoded SHA-256 of normalized text; it is the
// signal's identity.
func Hash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// ValidSignal reports whether a normalized signal carries enough content to
// process. Product is required because every downstream stage routes by it.
func ValidSignal(normalized, product string) bool {
	return len(normalized) >= MinNormalizedLength && product != ""
}
