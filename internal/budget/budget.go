// Package budget provides token budget estimation and history trimming for
// prompt assembly. Because ppta supports multiple LLM backends with different
// tokenizers, this package uses a conservative character-based heuristic:
// 1 token ≈ 4 characters of English prose.
package budget

const (
	charsPerToken = 4

	// PerEntryOverhead approximates the role label and separators that each
	// history entry adds to a prompt.
	PerEntryOverhead = 4

	// DefaultMaxContextTokens is the default input context budget in tokens.
	// It fits within 8k-context models while leaving room for the output.
	DefaultMaxContextTokens = 6000
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateAll returns the summed estimate of parts.
func EstimateAll(parts ...string) int {
	total := 0
	for _, p := range parts {
		total += Estimate(p)
	}
	return total
}

// TrimOldest removes entries from the front of history until fixedTokens plus
// the cost of the remaining entries fits within maxTokens. cost returns the
// estimated tokens of one entry. The relative order of kept entries is
// preserved. If fixedTokens alone exceeds the budget, the result is empty;
// fixed content is never dropped here.
func TrimOldest[T any](history []T, fixedTokens, maxTokens int, cost func(T) int) []T {
	if len(history) == 0 || maxTokens <= 0 {
		return history
	}

	total := fixedTokens
	for _, h := range history {
		total += cost(h)
	}
	for len(history) > 0 && total > maxTokens {
		total -= cost(history[0])
		history = history[1:]
	}
	return history
}
