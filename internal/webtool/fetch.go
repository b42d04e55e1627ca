package webtool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultFetchMaxChars = 50000
	fetchMaxRedirects    = 3
	fetchTimeout         = 30 * time.Second
)

// Fetch answers [source:web_fetch] invocations: download a page and
// reduce it to text the model can read.
type Fetch struct {
	maxChars int
	cache    *resultCache
}

type FetchConfig struct {
	MaxChars int
	CacheTTL time.Duration
}

func NewFetch(cfg FetchConfig) *Fetch {
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = defaultFetchMaxChars
	}
	return &Fetch{
		maxChars: maxChars,
		cache:    newResultCache(defaultCacheEntries, cfg.CacheTTL),
	}
}

func (f *Fetch) Name() string { return "web_fetch" }

// Call fetches the target URL. Params may override "max_chars" and set
// "mode" to "text" for plain text instead of markdown.
func (f *Fetch) Call(ctx context.Context, target string, params map[string]any) (string, error) {
	rawURL := strings.TrimSpace(target)
	if rawURL == "" {
		if u, ok := params["url"].(string); ok {
			rawURL = strings.TrimSpace(u)
		}
	}
	if rawURL == "" {
		return "", fmt.Errorf("url is required")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("only http and https URLs are supported")
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("missing hostname in URL")
	}
	if err := checkPrivateTarget(parsed.Hostname()); err != nil {
		return "", err
	}

	mode := "markdown"
	if m, ok := params["mode"].(string); ok && (m == "markdown" || m == "text") {
		mode = m
	}
	maxChars := f.maxChars
	if mc, ok := params["max_chars"].(float64); ok && int(mc) >= 100 {
		maxChars = int(mc)
	}

	cacheKey := fmt.Sprintf("fetch:%s:%s:%d", rawURL, mode, maxChars)
	if cached, ok := f.cache.get(cacheKey); ok {
		slog.Debug("web_fetch cache hit", "url", rawURL)
		return cached, nil
	}

	out, err := f.doFetch(ctx, rawURL, mode, maxChars)
	if err != nil {
		return "", err
	}
	f.cache.set(cacheKey, out)
	return out, nil
}

func (f *Fetch) doFetch(ctx context.Context, rawURL, mode string, maxChars int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	redirects := 0
	client := &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			redirects++
			if redirects > fetchMaxRedirects {
				return fmt.Errorf("stopped after %d redirects", fetchMaxRedirects)
			}
			return checkPrivateTarget(req.URL.Hostname())
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	// Read extra over the char budget; HTML markup inflates raw size.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxChars*4)))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	finalURL := resp.Request.URL.String()

	var text string
	switch {
	case strings.Contains(contentType, "application/json"):
		text = prettyJSON(body)
	case strings.Contains(contentType, "text/html"),
		strings.Contains(contentType, "application/xhtml"):
		if mode == "markdown" {
			text = htmlToMarkdown(string(body))
		} else {
			text = htmlToText(string(body))
		}
	default:
		text = string(body)
	}

	truncated := false
	if len(text) > maxChars {
		text = text[:maxChars]
		truncated = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\nStatus: %d\n", finalURL, resp.StatusCode)
	if truncated {
		fmt.Fprintf(&sb, "Truncated: true (limit: %d chars)\n", maxChars)
	}
	sb.WriteString("\n")
	sb.WriteString(text)
	return sb.String(), nil
}

// checkPrivateTarget rejects hostnames that resolve to loopback, private
// or link-local addresses so the tool cannot be steered at internal
// services.
func checkPrivateTarget(hostname string) error {
	ips, err := net.LookupIP(hostname)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", hostname, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("refusing to fetch internal address %s", ip)
		}
	}
	return nil
}
