package security

import (
	"strings"
)

// Redacted replaces every secret occurrence at egress boundaries
const Redacted = "[REDACTED]"

// RedactToken replaces every literal occurrence of token in s. Tokens
// containing regex metacharacters are handled literally. An empty
// token returns s unchanged.
func RedactToken(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, Redacted)
}
