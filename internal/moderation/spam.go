package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// The bare-domain form requires a path so "v2.0" or "3.14" pass.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// Bounded by whitespace so short numbers inside words are not matched.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

const (
	charFloodRun = 5 // identical consecutive characters
	wordFloodRun = 3 // identical consecutive words
)

// spamChecks run in order; the first match wins.
var spamChecks = []struct {
	name  string
	match func(string) bool
}{
	{"url", urlPattern.MatchString},
	{"phone", phonePattern.MatchString},
	{"char_flood", hasCharFlood},
	{"word_flood", hasWordFlood},
}

func matchSpam(text string) (string, bool) {
	for _, c := range spamChecks {
		if c.match(text) {
			return c.name, true
		}
	}
	return "", false
}

// RE2 has no backreferences, so runs are counted by hand.
func hasCharFlood(text string) bool {
	run, prev := 0, rune(-1)
	for _, r := range text {
		if r == prev {
			run++
		} else {
			run, prev = 1, r
		}
		if run >= charFloodRun {
			return true
		}
	}
	return false
}

func hasWordFlood(text string) bool {
	run, prev := 0, ""
	for _, w := range strings.FieldsFunc(text, unicode.IsSpace) {
		w = strings.ToLower(w)
		if w == prev {
			run++
		} else {
			run, prev = 1, w
		}
		if run >= wordFloodRun {
			return true
		}
	}
	return false
}
