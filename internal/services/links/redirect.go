package links

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

var redirectQueryKeys = []string{"url", "q", "u"}

// ResolveRedirect returns the true destination of rawURL. A redirect target in
// the query string wins without any network call; wrapped links are followed
// over the network and yield "" when the destination cannot be observed.
// Anything else is returned unchanged.
func (v *Verifier) ResolveRedirect(ctx context.Context, rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	query := u.Query()
	for _, key := range redirectQueryKeys {
		values := query[key]
		if len(values) == 0 {
			continue
		}
		candidate := strings.TrimSpace(values[0])
		if strings.HasPrefix(candidate, "http://") || strings.HasPrefix(candidate, "https://") {
			return candidate
		}
	}

	if !v.isWrapped(u) {
		return rawURL
	}

	for _, method := range []string{http.MethodHead, http.MethodGet} {
		_, final, err := v.probe(ctx, method, rawURL)
		if err != nil {
			continue
		}
		final = strings.TrimSpace(final)
		if final != "" && !strings.Contains(strings.ToLower(final), v.wrapperHost) {
			return final
		}
	}
	return ""
}

func (v *Verifier) isWrapped(u *url.URL) bool {
	if v.wrapperHost == "" {
		return false
	}
	host := strings.ToLower(u.Host)
	path := strings.ToLower(u.Path)
	return strings.Contains(host, v.wrapperHost) && strings.Contains(path, v.wrapperPath)
}
