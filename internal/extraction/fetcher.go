package extraction

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/factually-labs/pipeline/pkg/domain"
)

// Fetcher resolves index pages (for Strategy) and full article content.
type Fetcher interface {
	FetchIndex(ctx context.Context, url string) ([]ItemRef, error)
	FetchLoadMore(ctx context.Context, url string) ([]ItemRef, string, error)
	FetchContent(ctx context.Context, ref ItemRef) (string, error)
}

// httpFetcher is the "requests-first" half of the requests-first,
// headless-browser-fallback policy: a short-timeout plain HTTP GET.
type httpFetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	// parseIndex/parseLoad extract structured data from raw HTML. Real
	// outlets each need their own scraping rules; extraction is grounded on
	// the teacher's "opaque external collaborator" boundary (spec §1), so
	// these are injected rather than hard-coded per source.
	parseIndex func(body []byte, sourceURL string) []ItemRef
	parseLoad  func(body []byte, sourceURL string) ([]ItemRef, string)
}

// defaultFetchRate throttles requests to a single news outlet so a fast
// traversal loop doesn't hammer it; one request per 500ms with a small burst
// for the initial index page plus its first few article fetches.
const defaultFetchRate = 2 // requests per second

func newHTTPFetcher(timeout time.Duration, parseIndex func([]byte, string) []ItemRef, parseLoad func([]byte, string) ([]ItemRef, string)) *httpFetcher {
	return &httpFetcher{
		client:     &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(defaultFetchRate), defaultFetchRate),
		parseIndex: parseIndex,
		parseLoad:  parseLoad,
	}
}

func (f *httpFetcher) get(ctx context.Context, url string) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("extraction: rate limit wait: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("extraction: build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extraction: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extraction: fetch %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (f *httpFetcher) FetchIndex(ctx context.Context, url string) ([]ItemRef, error) {
	body, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	return f.parseIndex(body, url), nil
}

func (f *httpFetcher) FetchLoadMore(ctx context.Context, url string) ([]ItemRef, string, error) {
	body, err := f.get(ctx, url)
	if err != nil {
		return nil, "", err
	}
	items, next := f.parseLoad(body, url)
	return items, next, nil
}

func (f *httpFetcher) FetchContent(ctx context.Context, ref ItemRef) (string, error) {
	body, err := f.get(ctx, ref.URL)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// stubBrowserFetcher stands in for a headless-browser fallback. A real
// implementation would drive a browser process; that collaborator is
// explicitly out of scope (spec §1), so this records the attempt and fails
// closed rather than silently returning fabricated content.
type stubBrowserFetcher struct{}

func (stubBrowserFetcher) FetchContent(ctx context.Context, ref ItemRef) (string, error) {
	return "", domain.NewPipelineError("extraction", domain.KindTransientUpstream,
		fmt.Errorf("headless browser fallback not available for %s", ref.URL))
}

// fetchContentWithFallback tries the HTTP fetcher first and falls back to
// the browser fetcher on failure, per the requests-first policy.
func fetchContentWithFallback(ctx context.Context, primary, fallback interface {
	FetchContent(context.Context, ItemRef) (string, error)
}, ref ItemRef) (string, error) {
	content, err := primary.FetchContent(ctx, ref)
	if err == nil {
		return content, nil
	}
	return fallback.FetchContent(ctx, ref)
}
