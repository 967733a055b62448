// Package normalize provides pure helpers that canonicalize contact data
// coming from the upstream directory API.
//
// Upstream payloads are inconsistently formatted: phone numbers arrive with
// punctuation and either an 8- or 7-prefix, emails with stray whitespace and
// mixed case, and person names as a single space-separated string in
// last-name-first order. Everything here is side-effect free; empty string
// means "no usable value".
package normalize

import (
	"regexp"
	"strings"
)

var nonDigits = regexp.MustCompile(`\D`)

// suspiciousPatterns match service/test accounts that leak into the
// directory: subject placeholders like "Англ_12", bare numbers, and short
// all-caps abbreviations like "МАТ".
var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^Англ_\d+`),
	regexp.MustCompile(`^Нем_\d+`),
	regexp.MustCompile(`^Фр_\d+`),
	regexp.MustCompile(`^Мат_\d+`),
	regexp.MustCompile(`^Инф_\d+`),
	regexp.MustCompile(`^[A-Za-z]+_\d+`),
	regexp.MustCompile(`^\d+`),
	regexp.MustCompile(`^[А-Я]{3,5}$`),
}

// Phone canonicalizes a phone number to the 11-digit 7XXXXXXXXXX form.
// Returns "" when the input cannot be brought to that form.
func Phone(raw string) string {
	if raw == "" {
		return ""
	}

	digits := nonDigits.ReplaceAllString(raw, "")

	switch {
	case len(digits) == 11 && strings.HasPrefix(digits, "8"):
		digits = "7" + digits[1:]
	case len(digits) == 10:
		digits = "7" + digits
	case len(digits) == 11 && strings.HasPrefix(digits, "7"):
		// Already canonical.
	default:
		return ""
	}

	return digits
}

// Email lowercases and trims an email address. Returns "" when the result
// does not look like an address at all.
func Email(raw string) string {
	if raw == "" {
		return ""
	}

	cleaned := strings.ToLower(strings.TrimSpace(raw))
	if !strings.Contains(cleaned, "@") {
		return ""
	}
	return cleaned
}

// SplitName splits a full name into its parts. The upstream API writes names
// last-name-first ("Иванов Иван Иванович"), so the first token is the last
// name. Source ordering is preserved; tokens past the third are ignored.
func SplitName(full string) (lastName, firstName, middleName string) {
	parts := strings.Fields(full)

	if len(parts) > 0 {
		lastName = parts[0]
	}
	if len(parts) > 1 {
		firstName = parts[1]
	}
	if len(parts) > 2 {
		middleName = parts[2]
	}
	return lastName, firstName, middleName
}

// SuspiciousName reports whether a name looks like a service or test account
// rather than a real person. Empty names are suspicious.
func SuspiciousName(name string) bool {
	if name == "" {
		return true
	}

	for _, pat := range suspiciousPatterns {
		if pat.MatchString(name) {
			return true
		}
	}
	return false
}
