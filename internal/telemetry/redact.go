package telemetry

import (
	"fmt"
	"regexp"
	"strings"
)

// Redacted replaces secret values.
const Redacted = "[REDACTED]"

var secretKeyParts = []string{"token", "secret", "password", "passwd", "api_key", "apikey", "auth", "credential", "private_key"}

var (
	bearerRe = regexp.MustCompile(`(?i)\b(bearer|basic)\s+[A-Za-z0-9._~+/=-]{8,}`)
	// NAME=value where NAME looks secret, as in env dumps and command lines.
	assignRe = regexp.MustCompile(`(?i)\b([A-Z0-9_]*(?:TOKEN|SECRET|PASSWORD|PASSWD|API_KEY|APIKEY|CREDENTIAL|PRIVATE_KEY)[A-Z0-9_]*)=("[^"]*"|'[^']*'|\S+)`)
	flagRe   = regexp.MustCompile(`(?i)(--(?:token|password|passwd|secret|api-key|apikey)[= ])(\S+)`)
	knownRe  = regexp.MustCompile(`\b(sk-[A-Za-z0-9_-]{16,}|gh[pousr]_[A-Za-z0-9]{20,}|AKIA[0-9A-Z]{16}|xox[abpr]-[A-Za-z0-9-]{10,})\b`)
)

// SecretKey reports whether an attribute or env key names a secret.
func SecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, part := range secretKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

// RedactString masks secret-looking substrings of s.
func RedactString(s string) string {
	if s == "" {
		return s
	}
	s = bearerRe.ReplaceAllString(s, "$1 "+Redacted)
	s = assignRe.ReplaceAllString(s, "$1="+Redacted)
	s = flagRe.ReplaceAllString(s, "${1}"+Redacted)
	s = knownRe.ReplaceAllString(s, Redacted)
	return s
}

// RedactAttributes returns a copy of attrs with secret keys masked and
// string values scrubbed. Nested string maps (env) are handled per key.
func RedactAttributes(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if SecretKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return RedactString(val)
	case []string:
		cp := make([]string, len(val))
		for i, s := range val {
			cp[i] = RedactString(s)
		}
		return cp
	case map[string]string:
		cp := make(map[string]string, len(val))
		for k, s := range val {
			if SecretKey(k) {
				cp[k] = Redacted
			} else {
				cp[k] = RedactString(s)
			}
		}
		return cp
	case map[string]any:
		return RedactAttributes(val)
	case error:
		return RedactString(val.Error())
	case fmt.Stringer:
		return RedactString(val.String())
	default:
		return v
	}
}
