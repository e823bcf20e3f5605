// Package moderation screens chat message text before it is stored and
// delivered. A Filter blocks configured keywords and phrases, including
// common leetspeak spellings, and optionally rejects spam patterns.
package moderation

import (
	"strings"
	"unicode"
)

// Reasons reported in a Verdict.
const (
	ReasonKeyword = "blocked_keyword"
	ReasonSpam    = "spam_pattern"
)

// DefaultTerms is the built-in blocklist of harassment phrases.
var DefaultTerms = []string{
	"kill yourself",
	"kys",
	"go die",
	"neck yourself",
}

// Verdict is the outcome of screening one message.
type Verdict struct {
	Blocked bool
	Reason  string // ReasonKeyword or ReasonSpam
	Term    string // matched term or spam check name
}

// Filter is immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
	spam    bool
}

// NewFilter returns a filter with DefaultTerms and spam checks enabled.
func NewFilter() *Filter {
	return New(DefaultTerms, true)
}

// New builds a filter for terms. A single-word term blocks that word; a
// multi-word term blocks the exact word sequence. Blank terms are ignored.
func New(terms []string, spam bool) *Filter {
	f := &Filter{words: make(map[string]struct{}), spam: spam}
	for _, term := range terms {
		tokens := tokenize(term)
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, tokens)
		}
	}
	return f
}

// Check screens text. Keywords are checked before spam patterns.
func (f *Filter) Check(text string) Verdict {
	tokens := tokenize(text)
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return Verdict{Blocked: true, Reason: ReasonKeyword, Term: tok}
		}
	}
	for _, phrase := range f.phrases {
		if containsSequence(tokens, phrase) {
			return Verdict{Blocked: true, Reason: ReasonKeyword, Term: strings.Join(phrase, " ")}
		}
	}
	if f.spam {
		if name, ok := matchSpam(text); ok {
			return Verdict{Blocked: true, Reason: ReasonSpam, Term: name}
		}
	}
	return Verdict{}
}

var leet = map[rune]rune{
	'0': 'o', '1': 'i', '3': 'e', '4': 'a', '5': 's', '7': 't', '@': 'a', '$': 's',
}

// tokenize lowercases text, undoes leetspeak substitutions and splits it on
// everything that is not a letter or digit.
func tokenize(text string) []string {
	normalized := strings.Map(func(r rune) rune {
		if n, ok := leet[r]; ok {
			return n
		}
		return unicode.ToLower(r)
	}, text)
	return strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsSequence(tokens, seq []string) bool {
	for i := 0; i+len(seq) <= len(tokens); i++ {
		match := true
		for j := range seq {
			if tokens[i+j] != seq[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
