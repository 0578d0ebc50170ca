package store

import (
	"regexp"
	"strings"
)

// tokenRegex matches runs of letters and digits in any script.
var tokenRegex = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Tokenize splits text into lowercase letter/digit tokens.
// Punctuation and whitespace separate tokens and are dropped.
func Tokenize(text string) []string {
	words := tokenRegex.FindAllString(text, -1)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		tokens = append(tokens, strings.ToLower(w))
	}
	return tokens
}

// tokenSpans returns the byte offsets of each token in text.
func tokenSpans(text string) [][]int {
	return tokenRegex.FindAllStringIndex(text, -1)
}

// DedupeTokens removes repeated tokens, keeping first occurrences.
func DedupeTokens(tokens []string) []string {
	// Return empty slice, not nil, for consistent API behavior
	if len(tokens) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(tokens))
	result := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		result = append(result, t)
	}
	return result
}

// ftsMatchExpression builds an FTS5 MATCH expression requiring every token.
// Tokens are quoted so FTS5 operators in user input have no effect.
func ftsMatchExpression(tokens []string) string {
	quoted := make([]string, 0, len(tokens))
	for _, t := range tokens {
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " AND ")
}
