package utils

import "strings"

// MaskSecret keeps the first four characters of a secret for correlation in
// logs. A "Bearer " prefix is preserved.
func MaskSecret(s string) string {
	if rest, ok := strings.CutPrefix(s, "Bearer "); ok {
		return "Bearer " + MaskSecret(rest)
	}
	if len(s) <= 4 {
		return "*****"
	}
	return s[:4] + "*****"
}
