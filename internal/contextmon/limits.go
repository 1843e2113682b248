package contextmon

import "strings"

// defaultContextWindow is used when a model is not in the registry. It is
// deliberately small so unknown models trigger the fork protocol early
// rather than late.
const defaultContextWindow = 8_192

// ContextWindowTokens returns the known context window size (in tokens) for
// a model. Providers change limits, so callers should allow a config
// override; these are safety thresholds, not contracts.
func ContextWindowTokens(model string) (int, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return 0, false
	}

	switch {
	case strings.HasPrefix(m, "gpt-5"):
		return 400_000, true
	case strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "gpt-4-turbo"):
		return 128_000, true
	case strings.HasPrefix(m, "gpt-4"):
		return 8_192, true
	case strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return 200_000, true
	case strings.HasPrefix(m, "claude"):
		return 200_000, true
	case strings.HasPrefix(m, "sonar"):
		return 127_000, true
	}
	return 0, false
}
