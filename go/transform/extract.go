package transform

import (
	"regexp"
	"strings"
)

var (
	hashtagRe = regexp.MustCompile(`#([\p{L}\p{N}_]+)`)
	mentionRe = regexp.MustCompile(`@([A-Za-z0-9_]+)`)
	linkRe    = regexp.MustCompile(`https?://[^\s<>"']+`)
)

// CleanWhitespace collapses runs of whitespace (including newlines and tabs)
// into single spaces and trims the ends.
func CleanWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Hashtags returns the ordered, unique, lower-cased hashtags of |text|,
// without the leading '#'.
func Hashtags(text string) []string {
	return extract(hashtagRe, text, true)
}

// Mentions returns the ordered, unique, lower-cased mentions of |text|,
// without the leading '@'.
func Mentions(text string) []string {
	return extract(mentionRe, text, true)
}

// Links returns the ordered, unique URLs of |text|. URLs keep their original
// case because paths may be case-sensitive.
func Links(text string) []string {
	var out []string
	var seen = make(map[string]struct{})
	for _, m := range linkRe.FindAllString(text, -1) {
		m = strings.TrimRight(m, ".,;:!?)")
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

func extract(re *regexp.Regexp, text string, lower bool) []string {
	var out []string
	var seen = make(map[string]struct{})
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		var v = m[1]
		if lower {
			v = strings.ToLower(v)
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
