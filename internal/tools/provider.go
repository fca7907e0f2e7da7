package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rahul/scholar/internal/observability"
)

// Record is one result from a capability provider. A failed search yields a
// single record with only Error set.
type Record struct {
	Title     string   `json:"title,omitempty"`
	URL       string   `json:"url,omitempty"`
	Content   string   `json:"content,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	Authors   []string `json:"authors,omitempty"`
	Published string   `json:"published,omitempty"`
	PDFURL    string   `json:"link_pdf,omitempty"`
	ImageURL  string   `json:"image_url,omitempty"`
	PDFError  string   `json:"pdf_error,omitempty"`
	TextError string   `json:"text_error,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Provider is a search capability. Search never returns an error: failures
// come back in-band as an error record.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, limit int) []Record
}

func errorRecords(err error) []Record {
	return []Record{{Error: err.Error()}}
}

func encodeRecords(records []Record) (string, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

const (
	retryAttempts = 5
	retryInitial  = 600 * time.Millisecond
)

type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("status %d", e.Code)
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// httpClient performs provider requests with bounded exponential backoff on
// network errors, 429 and 5xx responses.
type httpClient struct {
	client    *http.Client
	userAgent string
	provider  string
	initial   time.Duration
}

func newHTTPClient(provider, userAgent string, timeout time.Duration) *httpClient {
	return &httpClient{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		provider:  provider,
		initial:   retryInitial,
	}
}

func (c *httpClient) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, retryAttempts-1), ctx)
}

// do sends the request built by newReq and returns the body of a 2xx
// response. newReq is called once per attempt.
func (c *httpClient) do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	var body []byte
	op := func() error {
		req, err := newReq(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}
		req.Header.Set("Accept", "*/*")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrBlockedAddress) || errors.Is(err, errRedirect) {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			serr := &statusError{Code: resp.StatusCode, Body: truncate(strings.TrimSpace(string(data)), 200)}
			if retryable(resp.StatusCode) {
				return serr
			}
			return backoff.Permanent(serr)
		}
		body = data
		return nil
	}

	err := backoff.Retry(op, c.policy(ctx))
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.ProviderRequests.WithLabelValues(c.provider, outcome).Inc()
	return body, err
}

func (c *httpClient) get(ctx context.Context, rawURL string) ([]byte, error) {
	return c.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	})
}

func (c *httpClient) postJSON(ctx context.Context, rawURL string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(string(data)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

var (
	hyphenBreak = regexp.MustCompile(`-\n`)
	lineEnds    = regexp.MustCompile(`\r\n|\r`)
	hSpace      = regexp.MustCompile(`[ \t]+`)
	blankRuns   = regexp.MustCompile(`\n{3,}`)
)

// cleanText joins hyphenated line breaks, normalises newlines and collapses
// runs of blanks.
func cleanText(s string) string {
	s = hyphenBreak.ReplaceAllString(s, "")
	s = lineEnds.ReplaceAllString(s, "\n")
	s = hSpace.ReplaceAllString(s, " ")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// searchArgs is the tool-call input shared by the provider tools.
type searchArgs struct {
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	IncludeImages bool   `json:"include_images"`
	Sentences     int    `json:"sentences"`
}

var errEmptyQuery = errors.New("query is required")

func parseSearchArgs(input string) (searchArgs, error) {
	var args searchArgs
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return args, fmt.Errorf("invalid input: %v", err)
	}
	args.Query = strings.TrimSpace(args.Query)
	if args.Query == "" {
		return args, errEmptyQuery
	}
	return args, nil
}

func queryParameters(extra map[string]any) map[string]any {
	props := map[string]any{
		"query": map[string]any{
			"type":        "string",
			"description": "Search keywords",
		},
	}
	for k, v := range extra {
		props[k] = v
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   []string{"query"},
	}
}
