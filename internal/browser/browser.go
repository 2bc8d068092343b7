package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

type Browser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	opts    *Options
	logger  *slog.Logger
}

type Options struct {
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ProxyServer    string
	ExtraHeaders   map[string]string
	// BlockMarkers are page fragments that identify a captcha or
	// interstitial instead of the requested product page.
	BlockMarkers []string
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "pt-BR,pt;q=0.9,en;q=0.8",
		TimezoneID:     "America/Sao_Paulo",
		Locale:         "pt-BR",
		ExtraHeaders: map[string]string{
			"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"DNT":    "1",
		},
		BlockMarkers: []string{
			"captcha-verify",
			"/punish?",
			"Enter the characters you see below",
			"Klicke auf die Schaltfläche unten",
		},
	}
}

func New(opts *Options, logger *slog.Logger) (*Browser, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
			fmt.Sprintf("--window-size=%d,%d", opts.ViewportWidth, opts.ViewportHeight),
			"--user-agent=" + opts.UserAgent,
		},
	}

	if opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{
			Server: opts.ProxyServer,
		}
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	headers := make(map[string]string, len(opts.ExtraHeaders)+1)
	for k, v := range opts.ExtraHeaders {
		headers[k] = v
	}
	if opts.AcceptLanguage != "" {
		headers["Accept-Language"] = opts.AcceptLanguage
	}

	contextOpts := playwright.BrowserNewContextOptions{
		UserAgent:         &opts.UserAgent,
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            &opts.Locale,
		TimezoneId:        &opts.TimezoneID,
		Viewport: &playwright.Size{
			Width:  opts.ViewportWidth,
			Height: opts.ViewportHeight,
		},
		ExtraHttpHeaders: headers,
	}

	bctx, err := browser.NewContext(contextOpts)
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	return &Browser{
		pw:      pw,
		browser: browser,
		context: bctx,
		opts:    opts,
		logger:  logger.With("component", "browser"),
	}, nil
}

func (b *Browser) NewPage() (playwright.Page, error) {
	page, err := b.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}

	page.SetDefaultTimeout(float64(b.opts.Timeout.Milliseconds()))

	return page, nil
}

func (b *Browser) Close() error {
	var errs []error

	if b.context != nil {
		if err := b.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}

	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}

	return nil
}

// Fetch renders url in a fresh page and returns the resulting HTML.
// Per-request headers are applied on top of the context headers. A zero
// timeout uses Options.Timeout.
func (b *Browser) Fetch(ctx context.Context, url string, headers http.Header, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if timeout <= 0 {
		timeout = b.opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page, err := b.NewPage()
	if err != nil {
		return "", err
	}
	defer page.Close()

	if len(headers) > 0 {
		extra := make(map[string]string, len(headers))
		for k := range headers {
			extra[k] = headers.Get(k)
		}
		if err := page.SetExtraHTTPHeaders(extra); err != nil {
			return "", fmt.Errorf("failed to set headers: %w", err)
		}
	}

	type result struct {
		html string
		err  error
	}
	done := make(chan result, 1)

	go func() {
		if err := b.navigate(page, url, timeout); err != nil {
			done <- result{err: err}
			return
		}
		b.HumanizeInteraction(page)
		html, err := page.Content()
		if err != nil {
			err = fmt.Errorf("failed to read page content: %w", err)
		}
		done <- result{html: html, err: err}
	}()

	select {
	case <-ctx.Done():
		page.Close()
		return "", ctx.Err()
	case r := <-done:
		return r.html, r.err
	}
}

// ErrBlocked is a captcha or interstitial served instead of the page.
var ErrBlocked = errors.New("blocked page detected")

// navigator is the part of playwright.Page used to load a page.
type navigator interface {
	Goto(url string, options ...playwright.PageGotoOptions) (playwright.Response, error)
	Content() (string, error)
}

// navigate makes a single attempt. Retries belong to the caller's
// scrape policy.
func (b *Browser) navigate(page navigator, url string, timeout time.Duration) error {
	_, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}

	if blocked, marker := b.isBlocked(page); blocked {
		b.logger.Warn("bot protection page", "url", url, "marker", marker)
		return fmt.Errorf("%w: %q", ErrBlocked, marker)
	}
	return nil
}

func (b *Browser) isBlocked(page navigator) (bool, string) {
	content, err := page.Content()
	if err != nil {
		return false, ""
	}
	return ContainsBlockMarker(content, b.opts.BlockMarkers)
}

// ContainsBlockMarker reports the first marker found in html.
func ContainsBlockMarker(html string, markers []string) (bool, string) {
	for _, m := range markers {
		if m != "" && strings.Contains(html, m) {
			return true, m
		}
	}
	return false, ""
}

// HumanizeInteraction moves the mouse and scrolls so lazy content loads.
func (b *Browser) HumanizeInteraction(page playwright.Page) {
	for i := 0; i < 3; i++ {
		x := float64(100 + i*200)
		y := float64(100 + i*150)
		page.Mouse().Move(x, y)
		time.Sleep(time.Millisecond * time.Duration(200+i*100))
	}

	page.Evaluate(`window.scrollBy(0, Math.random() * 600)`)
	time.Sleep(500 * time.Millisecond)
}
