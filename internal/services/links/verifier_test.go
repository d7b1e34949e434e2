package links

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *outcomeRecorder) RecordLinkVerification(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func newOriginServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ok", http.StatusFound)
	})
	mux.HandleFunc("/head-only", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestVerifier_Verify(t *testing.T) {
	srv := newOriginServer(t)
	recorder := &outcomeRecorder{}
	v := NewVerifier(srv.Client(), WithTimeout(2*time.Second), WithMetrics(recorder))
	ctx := context.Background()

	ok := v.Verify(ctx, srv.URL+"/ok")
	assert.Equal(t, StatusVerified, ok.Status)
	assert.Equal(t, srv.URL+"/ok", ok.URL)

	redirected := v.Verify(ctx, srv.URL+"/old")
	require.True(t, redirected.OK())
	assert.Equal(t, srv.URL+"/ok", redirected.URL)

	missing := v.Verify(ctx, srv.URL+"/missing")
	assert.Equal(t, StatusUnverifiable, missing.Status)
	assert.Empty(t, missing.URL)

	headOnly := v.Verify(ctx, srv.URL+"/head-only")
	assert.False(t, headOnly.OK(), "a HEAD success must be confirmed by GET")

	notHTTP := v.Verify(ctx, "ftp://files.example/x")
	assert.Equal(t, StatusUnverifiable, notHTTP.Status)

	assert.Equal(t, []string{"verified", "verified", "unverifiable", "unverifiable", "unverifiable"}, recorder.outcomes)
}

func TestVerifier_HeadFallbackConfirmed(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && gets.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	result := NewVerifier(srv.Client()).Verify(context.Background(), srv.URL+"/page")

	assert.True(t, result.OK())
	assert.Equal(t, srv.URL+"/page", result.URL)
	assert.Equal(t, int32(2), gets.Load())
}

func TestVerifier_UserAgent(t *testing.T) {
	var seen atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.UserAgent())
	}))
	defer srv.Close()

	NewVerifier(srv.Client(), WithUserAgent("campus-bot-test")).Verify(context.Background(), srv.URL)
	assert.Equal(t, "campus-bot-test", seen.Load())
}

func TestVerifier_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := srv.URL + "/gone"
	srv.Close()

	result := NewVerifier(nil, WithTimeout(time.Second)).Verify(context.Background(), target)
	assert.Equal(t, StatusError, result.Status)
	assert.Error(t, result.Err)
	assert.False(t, result.OK())
}

func TestVerifier_AllowList(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	v := NewVerifier(srv.Client(), WithAllowList(NewAllowList([]string{"aktu.ac.in"})))
	result := v.Verify(context.Background(), srv.URL+"/ok")

	assert.Equal(t, StatusUnverifiable, result.Status)
	assert.Equal(t, int32(0), hits.Load(), "disallowed hosts are never probed")
}

func TestVerifier_WithoutLiveCheck(t *testing.T) {
	v := NewVerifier(nil, WithoutLiveCheck(), WithAllowList(NewAllowList([]string{"aktu.ac.in"})))

	allowed := v.Verify(context.Background(), "https://erp.aktu.ac.in/results")
	assert.True(t, allowed.OK())
	assert.Equal(t, "https://erp.aktu.ac.in/results", allowed.URL)

	rejected := v.Verify(context.Background(), "https://elsewhere.example/results")
	assert.False(t, rejected.OK())
}

func TestResolveRedirect_QueryParameter(t *testing.T) {
	v := NewVerifier(nil)
	ctx := context.Background()

	target := "https://aktu.ac.in/results"
	assert.Equal(t, target, v.ResolveRedirect(ctx, "https://www.google.com/url?q="+url.QueryEscape(target)+"&sa=D"))
	assert.Equal(t, target, v.ResolveRedirect(ctx, "https://out.example/?u=+"+url.QueryEscape(target)))
	assert.Equal(t, "https://search.example/?q=fees", v.ResolveRedirect(ctx, "https://search.example/?q=fees"))
}

func TestResolveRedirect_Wrapper(t *testing.T) {
	origin := newOriginServer(t)
	wrapper := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/to-origin"):
			http.Redirect(w, r, origin.URL+"/ok", http.StatusFound)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer wrapper.Close()

	wrapperURL, err := url.Parse(wrapper.URL)
	require.NoError(t, err)
	v := NewVerifier(nil, WithRedirectWrapper(wrapperURL.Host, "grounding-api-redirect"))
	ctx := context.Background()

	resolved := v.ResolveRedirect(ctx, wrapper.URL+"/grounding-api-redirect/to-origin")
	assert.Equal(t, origin.URL+"/ok", resolved)

	stuck := v.ResolveRedirect(ctx, wrapper.URL+"/grounding-api-redirect/nowhere")
	assert.Empty(t, stuck, "a wrapper that never leaves its own host is unresolvable")

	verified := v.Verify(ctx, wrapper.URL+"/grounding-api-redirect/to-origin")
	assert.True(t, verified.OK())
	assert.Equal(t, origin.URL+"/ok", verified.URL)

	notWrapped := v.ResolveRedirect(ctx, wrapper.URL+"/other/to-origin")
	assert.Equal(t, wrapper.URL+"/other/to-origin", notWrapped)
}
