package masking

import "strings"

const maskToken = "****"

// Secret redacts a gateway token or reference, keeping the provider prefix
// and the last four characters so operators can still correlate log lines.
//
//	Secret("tok_visa4242")  -> "tok_****4242"
//	Secret("pm_1")          -> "pm_****"
func Secret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}
	return prefix + maskToken + remainder[len(remainder)-4:]
}

func splitPrefix(value string) (string, string) {
	idx := strings.LastIndex(value, "_")
	if idx == -1 || idx == len(value)-1 {
		return "", value
	}
	return value[:idx+1], value[idx+1:]
}
