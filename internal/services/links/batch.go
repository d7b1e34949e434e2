package links

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// VerifyAll verifies the distinct urls with at most maxWorkers concurrent
// probes and returns url -> verified URL, or "" when verification failed.
// A panicking check counts as a failure for that URL only.
func VerifyAll(ctx context.Context, checker Checker, urls []string, maxWorkers int) map[string]string {
	distinct := make([]string, 0, len(urls))
	seen := make(map[string]bool, len(urls))
	for _, u := range urls {
		if !seen[u] {
			seen[u] = true
			distinct = append(distinct, u)
		}
	}

	verified := make(map[string]string, len(distinct))
	if len(distinct) == 0 {
		return verified
	}
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxParallel
	}

	workers := min(maxWorkers, len(distinct))
	if workers <= 1 {
		for _, u := range distinct {
			verified[u] = safeVerify(ctx, checker, u)
		}
		return verified
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(workers)

	for _, u := range distinct {
		u := u
		g.Go(func() error {
			result := safeVerify(ctx, checker, u)
			mu.Lock()
			verified[u] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return verified
}

func safeVerify(ctx context.Context, checker Checker, u string) (verified string) {
	defer func() {
		if r := recover(); r != nil {
			verified = ""
		}
	}()
	result := checker.Verify(ctx, u)
	if !result.OK() {
		return ""
	}
	return result.URL
}
