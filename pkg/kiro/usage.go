package kiro

// DistributeTokens splits a total input-token count into the three billing
// dimensions clients expect: direct input, cache creation, and cache read,
// in a 1:2:25 ratio. Totals under 100 are reported as plain input. Every
// call site that reports usage goes through this one function so the split
// stays consistent between the streaming estimate and the final correction.
func DistributeTokens(total int64) (input, cacheCreation, cacheRead int64) {
	if total < 100 {
		return total, 0, 0
	}
	input = total / 28
	cacheCreation = 2 * total / 28
	cacheRead = total - input - cacheCreation
	return input, cacheCreation, cacheRead
}

// EstimateTokens approximates the token count of a request body for the
// up-front message_start estimate. Four bytes per token tracks the upstream
// closely enough for the later correction to be small.
func EstimateTokens(body []byte) int64 {
	return int64(len(body) / 4)
}
