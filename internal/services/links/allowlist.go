package links

import (
	"net/url"
	"strings"
)

// AllowList restricts URLs to a set of domains and their subdomains.
// A nil AllowList allows everything.
type AllowList struct {
	domains []string
}

// NewAllowList builds an allow-list from domain names. It returns nil when no
// usable domain is given.
func NewAllowList(domains []string) *AllowList {
	var cleaned []string
	seen := make(map[string]bool)
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		d = strings.TrimPrefix(d, "https://")
		d = strings.TrimPrefix(d, "http://")
		d = strings.Trim(d, "./")
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		cleaned = append(cleaned, d)
	}
	if len(cleaned) == 0 {
		return nil
	}
	return &AllowList{domains: cleaned}
}

// Allows reports whether rawURL is an http(s) URL on an allowed host.
func (a *AllowList) Allows(rawURL string) bool {
	if a == nil {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, domain := range a.domains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// Domains returns the configured domains.
func (a *AllowList) Domains() []string {
	if a == nil {
		return nil
	}
	return append([]string(nil), a.domains...)
}

// Display renders the domains as https URLs for prompts.
func (a *AllowList) Display() string {
	if a == nil {
		return ""
	}
	parts := make([]string, len(a.domains))
	for i, d := range a.domains {
		parts[i] = "https://" + d
	}
	return strings.Join(parts, ", ")
}
