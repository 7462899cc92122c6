package util

import (
	"regexp"
	"strings"
)

var nonPhoneChars = regexp.MustCompile(`[^\d\+]+`)

// NormalizePhone tries to normalize user input into E.164-like format.
// defaultCC is the country calling code (without "+") applied to national numbers.
func NormalizePhone(raw, defaultCC string) string {
	s := nonPhoneChars.ReplaceAllString(strings.TrimSpace(raw), "")

	switch {
	case s == "":
		return ""
	case strings.HasPrefix(s, "+"):
		return s
	case strings.HasPrefix(s, "00"):
		return "+" + s[2:]
	case defaultCC != "" && strings.HasPrefix(s, defaultCC):
		return "+" + s
	case defaultCC != "" && strings.HasPrefix(s, "0"):
		return "+" + defaultCC + s[1:]
	case defaultCC != "":
		return "+" + defaultCC + s
	}

	return s
}
