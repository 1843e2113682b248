package contextmon

// EstimateTokens estimates the token count for a text using a Unicode-aware
// heuristic, for messages persisted without provider-reported usage.
// ASCII runs about 4 chars per token; non-ASCII (CJK, Cyrillic, emoji) is
// counted conservatively at about 1 char per token.
func EstimateTokens(text string) int {
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight++
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}
