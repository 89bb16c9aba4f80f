package sanitize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeTranscriptText cleans transcribed speech before it is stored or
// fanned out to call participants. Transcription providers occasionally
// return stray control characters or markup fragments.
func SanitizeTranscriptText(input string, maxLen int) string {
	input = SanitizeHTML(input)
	input = StripControlCharacters(input)
	input = strings.TrimSpace(input)
	input = truncateRunes(input, maxLen)
	return input
}

// SanitizeUsername sanitizes username input
func SanitizeUsername(username string) string {
	// Trim whitespace
	username = strings.TrimSpace(username)
	// Remove special characters except alphanumeric, underscore, hyphen, and dot
	reg := regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
	username = reg.ReplaceAllString(username, "")
	return username
}

// SanitizeObjectKey sanitizes an object storage key component
func SanitizeObjectKey(key string) string {
	// Trim whitespace
	key = strings.TrimSpace(key)
	// Remove path traversal attempts
	key = strings.ReplaceAll(key, "../", "")
	key = strings.ReplaceAll(key, "./", "")
	key = strings.ReplaceAll(key, "..\\", "")
	key = strings.ReplaceAll(key, ".\\", "")
	// Remove null bytes and control characters
	reg := regexp.MustCompile(`[\x00-\x1f\x7f]`)
	key = reg.ReplaceAllString(key, "")
	return key
}

// ValidateStringLength checks if string length is within bounds
func ValidateStringLength(input string, minLen, maxLen int) bool {
	if len(input) < minLen {
		return false
	}
	if len(input) > maxLen {
		return false
	}
	return true
}

// SanitizeHTML removes all HTML tags
func SanitizeHTML(input string) string {
	// Remove script tags
	scriptRegex := regexp.MustCompile(`(?i)<script[^>]*>.*?</script>`)
	input = scriptRegex.ReplaceAllString(input, "")

	// Remove style tags
	styleRegex := regexp.MustCompile(`(?i)<style[^>]*>.*?</style>`)
	input = styleRegex.ReplaceAllString(input, "")

	// Remove other HTML tags
	htmlRegex := regexp.MustCompile(`<[^>]*>`)
	input = htmlRegex.ReplaceAllString(input, "")

	return input
}

// StripControlCharacters removes control characters from string
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// truncateRunes cuts input to at most maxLen runes without splitting a rune
func truncateRunes(input string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(input) <= maxLen {
		return input
	}
	runes := []rune(input)
	return string(runes[:maxLen])
}
