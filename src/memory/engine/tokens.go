package engine

import "unicode/utf8"

const runesPerToken = 4

// EstimateTokens approximates model tokens as one per four runes, rounding up.
// Non-empty text costs at least one token.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + runesPerToken - 1) / runesPerToken
}
