package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
)

const (
	maxPageChars = 50000
	// Pages with less extracted text than this are retried in the browser.
	minReadableChars = 200
	maxRedirects     = 5
)

// ErrBlockedAddress is returned for URLs that resolve to loopback, private,
// link-local or otherwise non-public addresses.
var ErrBlockedAddress = errors.New("address is not publicly routable")

var errRedirect = errors.New("redirect refused")

// carrier-grade NAT space is not covered by netip's IsPrivate.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

func blockedAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	return !ip.IsGlobalUnicast() || ip.IsPrivate() || sharedAddressSpace.Contains(ip)
}

// Renderer returns the HTML of a page after scripts have run.
type Renderer interface {
	Render(ctx context.Context, pageURL string) (string, error)
}

// ScraperTool fetches a page and extracts its main content as sanitized text.
// Only public addresses are fetched, redirects included, unless AllowPrivate
// is set.
type ScraperTool struct {
	http         *httpClient
	Renderer     Renderer
	AllowPrivate bool
}

func NewScraperTool(userAgent string, renderer Renderer) *ScraperTool {
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
	}
	s := &ScraperTool{
		http:     newHTTPClient("fetch_page", userAgent, 30*time.Second),
		Renderer: renderer,
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, Control: s.checkDial}
	s.http.client.Transport = &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}
	s.http.client.CheckRedirect = checkRedirect
	return s
}

// checkDial runs on the resolved address of every connection, so redirects
// and DNS answers that change between lookups are covered.
func (s *ScraperTool) checkDial(network, address string, _ syscall.RawConn) error {
	if s.AllowPrivate {
		return nil
	}
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	if blockedAddr(ap.Addr()) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, ap.Addr())
	}
	return nil
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("%w: stopped after %d redirects", errRedirect, maxRedirects)
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", errRedirect, req.URL.Scheme)
	}
	return nil
}

// checkHost resolves the URL's host and rejects it if any address is not
// public. The browser renderer dials on its own, so this runs first.
func (s *ScraperTool) checkHost(ctx context.Context, u *url.URL) error {
	if s.AllowPrivate {
		return nil
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("invalid url %q", u.String())
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, a := range addrs {
		if blockedAddr(a) {
			return fmt.Errorf("%w: %s resolves to %s", ErrBlockedAddress, host, a.Unmap())
		}
	}
	return nil
}

func (s *ScraperTool) Name() string {
	return "fetch_page"
}

func (s *ScraperTool) Description() string {
	return "Fetch a webpage URL found by a search and extract the main content as clean, sanitized text."
}

func (s *ScraperTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The full URL of the webpage to fetch (e.g., https://example.com/article)",
			},
		},
		"required": []string{"url"},
	}
}

func (s *ScraperTool) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", fmt.Errorf("invalid input: %v", err)
	}
	parsedURL, err := url.Parse(args.URL)
	if err != nil || (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") {
		return "", fmt.Errorf("invalid url %q", args.URL)
	}
	if err := s.checkHost(ctx, parsedURL); err != nil {
		return "", err
	}

	body, fetchErr := s.http.get(ctx, args.URL)
	var article readability.Article
	if fetchErr == nil {
		article, err = readability.FromReader(bytes.NewReader(body), parsedURL)
	}
	if s.Renderer != nil && (fetchErr != nil || err != nil || len(strings.TrimSpace(article.TextContent)) < minReadableChars) {
		if html, rerr := s.Renderer.Render(ctx, args.URL); rerr == nil {
			if rendered, perr := readability.FromReader(strings.NewReader(html), parsedURL); perr == nil {
				article, err, fetchErr = rendered, nil, nil
			}
		}
	}
	if fetchErr != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", fetchErr)
	}
	if err != nil {
		return "", fmt.Errorf("failed to parse article: %v", err)
	}

	return formatArticle(article), nil
}

func formatArticle(article readability.Article) string {
	p := bluemonday.StrictPolicy()
	content := strings.TrimSpace(p.Sanitize(article.TextContent))

	var b strings.Builder
	fmt.Fprintf(&b, "TITLE: %s\n", article.Title)
	if article.Excerpt != "" {
		fmt.Fprintf(&b, "EXCERPT: %s\n", article.Excerpt)
	}
	b.WriteString("\n-- CONTENT --\n")
	if len(content) > maxPageChars {
		content = truncate(content, maxPageChars) + "\n... (content truncated) ..."
	}
	b.WriteString(content)
	return b.String()
}
