package llm

// EstimateTokens approximates the token count of a text as ceil(len/4).
// The divisor matches the rough four-characters-per-token rule for English
// and code. The estimate only feeds rate reservations, so it must be
// deterministic, not exact.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// EstimateMessages sums the estimate over a message history.
func EstimateMessages(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	return total
}
