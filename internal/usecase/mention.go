package usecase

import (
	"strings"
	"unicode"

	"huddle/internal/domain"
)

// mentionStops are the punctuation runes that terminate a mention token.
// Everything else after '@' is fair game, so unicode names, dots, hyphens
// and underscores all work.
const mentionStops = `:,;!?()[]{}'"<>`

// ExtractAllMentions scans text left to right for @<token> and returns the
// raw tokens in order of first appearance, deduplicated.
func ExtractAllMentions(text string) []string {
	var (
		tokens []string
		seen   = map[string]struct{}{}
	)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '@' {
			continue
		}
		j := i + 1
		for j < len(runes) && isMentionRune(runes[j]) {
			j++
		}
		if j == i+1 {
			continue
		}
		tok := string(runes[i+1 : j])
		if _, ok := seen[tok]; !ok {
			seen[tok] = struct{}{}
			tokens = append(tokens, tok)
		}
		i = j - 1
	}
	return tokens
}

func isMentionRune(r rune) bool {
	if unicode.IsSpace(r) || r == '@' {
		return false
	}
	return !strings.ContainsRune(mentionStops, r)
}

// ExtractMentions resolves the @mentions in text against the given
// participant names. Matching uses mention normalization, so a participant
// named "My Agent" is addressed as @My-Agent in any casing. The first
// matching participant wins per token; resolved names are deduplicated
// preserving order of first mention.
func ExtractMentions(text string, participants []string) []string {
	var (
		resolved []string
		seen     = map[string]struct{}{}
	)
	for _, tok := range ExtractAllMentions(text) {
		norm := domain.NormalizeName(tok)
		for _, name := range participants {
			if domain.NormalizeName(name) != norm {
				continue
			}
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				resolved = append(resolved, name)
			}
			break
		}
	}
	return resolved
}
