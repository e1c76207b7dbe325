package chat

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// EveryoneToken is the privileged broadcast mention.
const EveryoneToken = "everyone"

var mentionRe = regexp.MustCompile(`@([\p{L}\p{N}_][\p{L}\p{N}_.\-]*)`)

// Handle is the directory key for a display name or username: lower case
// with whitespace removed, so "Ada Lovelace" is mentioned as @adalovelace.
func Handle(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

func mentionTokens(text string) []string {
	matches := mentionRe.FindAllStringSubmatchIndex(text, -1)
	tokens := make([]string, 0, len(matches))
	for _, match := range matches {
		start := match[0]
		if start > 0 {
			// skip e-mail addresses and the like
			prev, _ := utf8.DecodeLastRuneInString(text[:start])
			if unicode.IsLetter(prev) || unicode.IsDigit(prev) {
				continue
			}
		}
		token := strings.TrimRight(text[match[2]:match[3]], ".-")
		if token != "" {
			tokens = append(tokens, strings.ToLower(token))
		}
	}
	return tokens
}

// ContainsEveryone reports whether text carries an @everyone mention.
func ContainsEveryone(text string) bool {
	for _, token := range mentionTokens(text) {
		if token == EveryoneToken {
			return true
		}
	}
	return false
}

// ExtractMentions resolves @handle tokens against directory (handle ->
// user id) and returns the mentioned user ids in order of appearance,
// without duplicates and without self.
func ExtractMentions(text string, directory map[string]string, self string) []string {
	seen := map[string]struct{}{}
	var ids []string
	for _, token := range mentionTokens(text) {
		if token == EveryoneToken {
			continue
		}
		id, ok := directory[token]
		if !ok || id == self {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
