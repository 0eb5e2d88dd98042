package domain

import (
	"strings"
	"unicode"
)

// NormalizeName folds a participant or agent name to its mention form:
// lower case, with every run of whitespace collapsed to a single hyphen.
// A participant named "My Agent" is addressed as @My-Agent, @my-agent, etc.
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	inSpace := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			inSpace = true
		default:
			if inSpace {
				b.WriteByte('-')
				inSpace = false
			}
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// EqualNames reports whether two names are the same under mention
// normalization.
func EqualNames(a, b string) bool {
	return NormalizeName(a) == NormalizeName(b)
}

// ResumableHandle reports whether a session handle can be offered for
// resume: non-empty and not marked as missing.
func ResumableHandle(handle string) bool {
	return handle != "" && !strings.HasPrefix(handle, NonResumablePrefix)
}
