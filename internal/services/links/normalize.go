package links

import (
	"net/url"
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// Normalize trims trailing punctuation and unbalanced closing parentheses
// from a URL matched in free text.
func Normalize(raw string) string {
	normalized := strings.TrimSpace(raw)
	for normalized != "" && strings.ContainsRune(",.;:!?]}", rune(normalized[len(normalized)-1])) {
		normalized = normalized[:len(normalized)-1]
	}
	for strings.HasSuffix(normalized, ")") && strings.Count(normalized, "(") < strings.Count(normalized, ")") {
		normalized = normalized[:len(normalized)-1]
	}
	return strings.TrimSpace(normalized)
}

// ExtractURLs returns the distinct normalized URLs in text, in order of appearance.
func ExtractURLs(text string) []string {
	var urls []string
	seen := make(map[string]bool)
	for _, match := range urlPattern.FindAllString(text, -1) {
		normalized := Normalize(match)
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		urls = append(urls, normalized)
	}
	return urls
}

// ContainsURL reports whether text has at least one URL-shaped token.
func ContainsURL(text string) bool {
	return len(ExtractURLs(text)) > 0
}

// IsHTTPURL reports whether raw is an absolute http(s) URL with a host.
func IsHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
