// Package moderation screens message text against a blocked-term dictionary.
// Matching is tolerant of case, spacing, punctuation and common leet
// substitutions. A match only annotates the message; it never blocks delivery.
package moderation

import (
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
	"github.com/samber/lo"
)

// Verdict is the outcome of screening one text.
type Verdict struct {
	Flagged bool
	Terms   []string
}

// Moderator matches text against a prebuilt Aho-Corasick automaton.
type Moderator struct {
	matcher *goahocorasick.Machine
}

// New builds a moderator for terms. An empty dictionary yields a moderator
// that never flags.
func New(terms []string) (*Moderator, error) {
	patterns := make([][]rune, 0, len(terms))
	for _, term := range terms {
		if p := normalizeRunes([]rune(term)); len(p) > 0 {
			patterns = append(patterns, p)
		}
	}
	if len(patterns) == 0 {
		return &Moderator{}, nil
	}
	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, err
	}
	return &Moderator{matcher: m}, nil
}

// Screen reports the dictionary terms found in text.
func (m *Moderator) Screen(text string) Verdict {
	if m == nil || m.matcher == nil {
		return Verdict{}
	}
	norm := normalizeRunes([]rune(text))
	if len(norm) == 0 {
		return Verdict{}
	}
	hits := m.matcher.MultiPatternSearch(norm, false)
	if len(hits) == 0 {
		return Verdict{}
	}
	terms := lo.Uniq(lo.Map(hits, func(h *goahocorasick.Term, _ int) string {
		return string(h.Word)
	}))
	return Verdict{Flagged: true, Terms: terms}
}

func normalizeRunes(input []rune) []rune {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		clean := simplifyRune(r)
		if isNoise(clean) {
			continue
		}
		out = append(out, unicode.ToLower(clean))
	}
	return out
}

// simplifyRune maps leet substitutions back to letters.
func simplifyRune(r rune) rune {
	switch r {
	case '4', '@':
		return 'a'
	case '3', '€':
		return 'e'
	case '1', '!', '|':
		return 'i'
	case '0':
		return 'o'
	case '5', '$':
		return 's'
	default:
		return r
	}
}

func isNoise(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r)
}
