// Package normalizers provides field normalization functions used by
// similarity scoring and duplicate detection.
package normalizers

import (
	"strings"
	"unicode"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

// registry holds all registered normalizers
var registry = make(map[string]Normalizer)

func init() {
	Register("lowercase", Lowercase)
	Register("trim", Trim)
	Register("nemail", NormalizeEmail)
	Register("remove_whitespace", RemoveWhitespace)
	Register("remove_punctuation", RemovePunctuation)
	Register("nname", NormalizeName)
	Register("ncompany", NormalizeCompanyName)
	Register("alphanumeric", Alphanumeric)
}

// Register adds a normalizer to the registry
func Register(name string, fn Normalizer) {
	registry[name] = fn
}

// Get retrieves a normalizer by name
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Apply applies a named normalizer to a value
func Apply(value, normalizer string) string {
	fn, ok := registry[normalizer]
	if !ok {
		return value
	}
	return fn(value)
}

// ApplyChain applies multiple normalizers in sequence
func ApplyChain(value string, normalizers ...string) string {
	result := value
	for _, name := range normalizers {
		result = Apply(result, name)
	}
	return result
}

// Built-in normalizers

// Lowercase converts string to lowercase
func Lowercase(s string) string {
	return strings.ToLower(s)
}

// Trim removes leading and trailing whitespace
func Trim(s string) string {
	return strings.TrimSpace(s)
}

// NormalizeEmail normalizes an email address (lowercase, trim)
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// RemoveWhitespace removes all whitespace characters
func RemoveWhitespace(s string) string {
	var result strings.Builder
	for _, r := range s {
		if !unicode.IsSpace(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// RemovePunctuation removes all punctuation characters
func RemovePunctuation(s string) string {
	var result strings.Builder
	for _, r := range s {
		if !unicode.IsPunct(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// legalSuffixes are company suffixes stripped before comparison. Ordered so
// dotted forms are tried before their bare equivalents.
var legalSuffixes = []string{
	"incorporated", "corporation", "company", "limited",
	"l.l.c.", "l.l.c", "llc", "l.p.", "llp", "lp",
	"inc.", "inc", "corp.", "corp", "co.", "co",
	"ltd.", "ltd", "gmbh", "s.a.", "sa", "plc", "ag", "bv", "pty",
}

// NormalizeCompanyName normalizes a company name for matching:
// lowercase, strip legal suffixes, collapse punctuation and whitespace.
// "Acme Corp." and "ACME Corporation" normalize to the same string.
func NormalizeCompanyName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	stripped := true
	for stripped {
		stripped = false
		for _, suffix := range legalSuffixes {
			for _, sep := range []string{" ", ","} {
				if strings.HasSuffix(s, sep+suffix) {
					s = strings.TrimSpace(strings.TrimSuffix(s, sep+suffix))
					s = strings.TrimRight(s, ",")
					stripped = true
				}
			}
		}
	}

	return collapse(s)
}

// NormalizeName normalizes a person's name for matching:
// lowercase, strip generational and title suffixes, collapse punctuation.
func NormalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	suffixes := []string{" jr.", " jr", " sr.", " sr", " iii", " ii", " iv", " phd", " md"}
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			s = s[:len(s)-len(suffix)]
		}
	}

	return collapse(s)
}

// Alphanumeric keeps only alphanumeric characters
func Alphanumeric(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// collapse removes punctuation and squeezes runs of whitespace to one space.
func collapse(s string) string {
	var result strings.Builder
	prevSpace := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
			prevSpace = false
		} else if unicode.IsSpace(r) || unicode.IsPunct(r) {
			if !prevSpace {
				result.WriteRune(' ')
				prevSpace = true
			}
		}
	}

	return strings.TrimSpace(result.String())
}
