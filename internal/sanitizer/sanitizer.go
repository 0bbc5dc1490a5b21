// Package sanitizer scrubs credential material out of worker output before it
// is logged or persisted, and normalises text for heuristic matching.
package sanitizer

import (
	"strings"

	"github.com/wasilibs/go-re2"
	"golang.org/x/text/unicode/norm"
)

const redacted = "[REDACTED]"

type redaction struct {
	pattern     *re2.Regexp
	replacement string
}

var redactions = []redaction{
	// PEM private keys embedded in service-account documents
	{
		pattern:     re2.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
		replacement: redacted,
	},
	// JSON fields carrying secrets
	{
		pattern:     re2.MustCompile(`(?i)("(?:access_token|refresh_token|id_token|client_secret|private_key|private_key_id|api_key)"\s*:\s*)"[^"]*"`),
		replacement: `${1}"` + redacted + `"`,
	},
	// key=value pairs
	{
		pattern:     re2.MustCompile(`(?i)\b(access_token|refresh_token|client_secret|api_key|token)=([^&\s"]+)`),
		replacement: `${1}=` + redacted,
	},
	// Authorization headers
	{
		pattern:     re2.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9\-._~+/]+=*`),
		replacement: `${1} ` + redacted,
	},
	// Google OAuth access tokens
	{
		pattern:     re2.MustCompile(`ya29\.[0-9A-Za-z\-_]+`),
		replacement: redacted,
	},
}

// Redact replaces credential-looking substrings in s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, r := range redactions {
		s = r.pattern.ReplaceAllString(s, r.replacement)
	}
	return s
}

// Normalize folds s to NFKC lower case and drops control characters so that
// substring heuristics are not defeated by lookalike code points.
func Normalize(s string) string {
	normalized := norm.NFKC.String(s)

	var b strings.Builder
	b.Grow(len(normalized))
	for _, r := range normalized {
		if r >= 32 || r == '\n' || r == '\t' {
			b.WriteRune(r)
		}
	}
	return strings.ToLower(b.String())
}

// ContainsAny reports whether the normalised form of s contains any needle.
// Needles must already be lower case.
func ContainsAny(s string, needles ...string) bool {
	n := Normalize(s)
	for _, needle := range needles {
		if strings.Contains(n, needle) {
			return true
		}
	}
	return false
}

// Truncate shortens s to at most max bytes, marking the cut.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "...[TRUNCATED]"
}
