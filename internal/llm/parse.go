// parse.go — Best-effort parsing of a selector-repair reply.
// Models wrap answers in fences and quotes no matter how firmly the system
// prompt forbids it. Parsing strips that dressing and then validates hard;
// anything that still does not look like a CSS selector is rejected in one
// pass — the caller never re-queries on a parse failure.
package llm

import (
	"errors"
	"regexp"
	"strings"
)

// ErrBadSelector marks replies that do not parse to a plausible selector.
var ErrBadSelector = errors.New("reply is not a usable selector")

const maxSelectorLen = 500

// A selector starts with a class, id, attribute bracket, or tag name.
var selectorStartRe = regexp.MustCompile(`^[.#\[\w]`)

// ParseSelector extracts one CSS selector from a model reply.
func ParseSelector(reply string) (string, error) {
	s := strings.TrimSpace(reply)

	// Strip a fenced block, with or without a language tag.
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "css")
		if i := strings.Index(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	// First non-empty line only; models sometimes append commentary.
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}

	// Strip wrapping quotes and backticks.
	for len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') || (first == '`' && last == '`') {
			s = strings.TrimSpace(s[1 : len(s)-1])
			continue
		}
		break
	}

	if s == "" {
		return "", ErrBadSelector
	}
	if len(s) > maxSelectorLen {
		return "", ErrBadSelector
	}
	if !selectorStartRe.MatchString(s) {
		return "", ErrBadSelector
	}
	return s, nil
}
