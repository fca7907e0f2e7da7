package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const defaultSentences = 5

// WikipediaTool returns a short summary of the best matching article.
type WikipediaTool struct {
	BaseURL string
	http    *httpClient
}

func NewWikipediaTool(baseURL, userAgent string) *WikipediaTool {
	if baseURL == "" {
		baseURL = "https://en.wikipedia.org"
	}
	return &WikipediaTool{
		BaseURL: strings.TrimRight(baseURL, "/"),
		http:    newHTTPClient("wikipedia", userAgent, 30*time.Second),
	}
}

func (w *WikipediaTool) Name() string {
	return "wikipedia_search_tool"
}

func (w *WikipediaTool) Description() string {
	return "Searches for a Wikipedia article summary by query string."
}

func (w *WikipediaTool) Parameters() map[string]any {
	return queryParameters(map[string]any{
		"sentences": map[string]any{
			"type":        "integer",
			"description": "Number of sentences in the summary.",
			"default":     defaultSentences,
		},
	})
}

func (w *WikipediaTool) Execute(ctx context.Context, input string) (string, error) {
	args, err := parseSearchArgs(input)
	if err != nil {
		return "", err
	}
	return encodeRecords(w.summary(ctx, args.Query, args.Sentences))
}

// Search ignores limit: only the top hit is summarised.
func (w *WikipediaTool) Search(ctx context.Context, query string, _ int) []Record {
	return w.summary(ctx, query, defaultSentences)
}

func (w *WikipediaTool) api(ctx context.Context, params url.Values, dst any) error {
	params.Set("format", "json")
	params.Set("formatversion", "2")
	body, err := w.http.get(ctx, w.BaseURL+"/w/api.php?"+params.Encode())
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dst)
}

func (w *WikipediaTool) summary(ctx context.Context, query string, sentences int) []Record {
	if sentences <= 0 {
		sentences = defaultSentences
	}

	var found struct {
		Query struct {
			Search []struct {
				Title string `json:"title"`
			} `json:"search"`
		} `json:"query"`
	}
	err := w.api(ctx, url.Values{
		"action":   {"query"},
		"list":     {"search"},
		"srsearch": {query},
		"srlimit":  {"1"},
	}, &found)
	if err != nil {
		return errorRecords(fmt.Errorf("wikipedia search failed: %w", err))
	}
	if len(found.Query.Search) == 0 {
		return errorRecords(fmt.Errorf("no Wikipedia article matches %q", query))
	}
	title := found.Query.Search[0].Title

	var page struct {
		Query struct {
			Pages []struct {
				Title   string `json:"title"`
				Extract string `json:"extract"`
				FullURL string `json:"fullurl"`
				Missing bool   `json:"missing"`
			} `json:"pages"`
		} `json:"query"`
	}
	err = w.api(ctx, url.Values{
		"action":      {"query"},
		"prop":        {"extracts|info"},
		"inprop":      {"url"},
		"exintro":     {"1"},
		"explaintext": {"1"},
		"exsentences": {fmt.Sprint(sentences)},
		"redirects":   {"1"},
		"titles":      {title},
	}, &page)
	if err != nil {
		return errorRecords(fmt.Errorf("wikipedia page failed: %w", err))
	}
	if len(page.Query.Pages) == 0 || page.Query.Pages[0].Missing {
		return errorRecords(fmt.Errorf("wikipedia page %q not found", title))
	}
	p := page.Query.Pages[0]
	return []Record{{
		Title:   p.Title,
		Summary: strings.TrimSpace(p.Extract),
		URL:     p.FullURL,
	}}
}
