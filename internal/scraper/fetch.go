package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/maltedev/infinityad/internal/ratelimit"
)

const maxPageBytes = 8 << 20

// Fetcher returns the HTML of a page. HTTPFetcher and browser.Browser
// both satisfy it. timeout bounds the request itself, not any time spent
// waiting on a rate limiter; zero means the fetcher's default.
type Fetcher interface {
	Fetch(ctx context.Context, url string, headers http.Header, timeout time.Duration) (string, error)
}

// HTTPStatusError is a non-2xx response.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
}

type HTTPFetcherOptions struct {
	Timeout    time.Duration
	UserAgents []string
	Limiter    *ratelimit.HostLimiter
	Client     *http.Client
}

// HTTPFetcher is the plain net/http fetcher. It rotates user agents when
// the caller doesn't set one and waits on a per-host limiter.
type HTTPFetcher struct {
	client     *http.Client
	timeout    time.Duration
	userAgents []string
	limiter    *ratelimit.HostLimiter
	next       atomic.Uint64
	logger     *slog.Logger
}

func NewHTTPFetcher(opts HTTPFetcherOptions, logger *slog.Logger) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 20 * time.Second
	}
	if len(opts.UserAgents) == 0 {
		opts.UserAgents = defaultUserAgents
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPFetcher{
		client:     opts.Client,
		timeout:    opts.Timeout,
		userAgents: opts.UserAgents,
		limiter:    opts.Limiter,
		logger:     logger.With("component", "http_fetcher"),
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, headers http.Header, timeout time.Duration) (string, error) {
	var limiter *ratelimit.AdaptiveRateLimiter
	if f.limiter != nil {
		limiter = f.limiter.For(url)
		if err := limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	if timeout <= 0 {
		timeout = f.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	for k, values := range headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.nextUserAgent())
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		if limiter != nil {
			limiter.RecordError()
		}
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if limiter != nil {
			limiter.RecordError()
		}
		return "", &HTTPStatusError{StatusCode: resp.StatusCode, URL: url}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read body: %w", err)
	}
	if limiter != nil {
		limiter.RecordSuccess()
	}

	f.logger.Debug("page fetched", "url", url, "status", resp.StatusCode, "bytes", len(body), "duration", time.Since(start))
	return string(body), nil
}

func (f *HTTPFetcher) nextUserAgent() string {
	n := f.next.Add(1) - 1
	return f.userAgents[n%uint64(len(f.userAgents))]
}
