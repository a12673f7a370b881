// Package trackno normalizes tracking numbers and decides whether a partial
// number refers to a canonical one.
package trackno

import (
	"regexp"
	"strings"
)

const (
	// DecoratedLength is the length of carrier identifiers that carry a
	// trailing check suffix.
	DecoratedLength = 32
	decorationLen   = 4
)

var (
	nonAlnum     = regexp.MustCompile(`[^A-Za-z0-9]+`)
	longNumber   = regexp.MustCompile(`^[A-Za-z0-9]{8,}$`)
	withLetter   = regexp.MustCompile(`^[A-Za-z0-9]*[A-Za-z][A-Za-z0-9]*$`)
	letterDigits = regexp.MustCompile(`^[A-Za-z][0-9]{5,7}$`)
	fieldSep     = regexp.MustCompile(`[\s,;|]+`)
)

// Normalize strips every character that is not ASCII alphanumeric.
func Normalize(raw string) string {
	return nonAlnum.ReplaceAllString(raw, "")
}

// Key is the case-insensitive grouping form of a tracking number.
func Key(raw string) string {
	return strings.ToUpper(Normalize(raw))
}

// IsPlausible is a heuristic gate, not a carrier validator.
func IsPlausible(s string) bool {
	switch {
	case longNumber.MatchString(s):
		return true
	case len(s) == 7 && withLetter.MatchString(s):
		return true
	default:
		return letterDigits.MatchString(s)
	}
}

// Undecorated drops the check suffix of a 32-char identifier. Other lengths
// are returned as is.
func Undecorated(canonical string) string {
	if len(canonical) == DecoratedLength {
		return canonical[:DecoratedLength-decorationLen]
	}
	return canonical
}

// Matches reports whether query refers to canonical: canonical ends with query,
// case-insensitively, either as stored or with its decoration removed.
func Matches(canonical, query string) bool {
	c, q := Key(canonical), Key(query)
	if q == "" || c == "" {
		return false
	}
	if strings.HasSuffix(c, q) {
		return true
	}
	return len(c) == DecoratedLength && strings.HasSuffix(Undecorated(c), q)
}

// ExtractCandidates pulls plausible tracking numbers out of pasted text,
// deduplicated case-insensitively, in first-seen order.
func ExtractCandidates(text string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, f := range fieldSep.Split(text, -1) {
		n := Normalize(f)
		if n == "" || !IsPlausible(n) {
			continue
		}
		k := strings.ToUpper(n)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, n)
	}
	return out
}
