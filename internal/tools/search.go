package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultWebResults = 5

// WebSearchTool queries the Tavily search API.
type WebSearchTool struct {
	APIKey  string
	BaseURL string
	http    *httpClient
}

func NewWebSearchTool(apiKey, baseURL, userAgent string) *WebSearchTool {
	if baseURL == "" {
		baseURL = "https://api.tavily.com"
	}
	return &WebSearchTool{
		APIKey:  apiKey,
		BaseURL: strings.TrimRight(baseURL, "/"),
		http:    newHTTPClient("tavily", userAgent, 60*time.Second),
	}
}

func (s *WebSearchTool) Name() string {
	return "tavily_search_tool"
}

func (s *WebSearchTool) Description() string {
	return "Performs a general-purpose web search using the Tavily API."
}

func (s *WebSearchTool) Parameters() map[string]any {
	return queryParameters(map[string]any{
		"max_results": map[string]any{
			"type":        "integer",
			"description": "Maximum number of results to return.",
			"default":     defaultWebResults,
		},
		"include_images": map[string]any{
			"type":        "boolean",
			"description": "Whether to include image results.",
			"default":     false,
		},
	})
}

func (s *WebSearchTool) Execute(ctx context.Context, input string) (string, error) {
	args, err := parseSearchArgs(input)
	if err != nil {
		return "", err
	}
	return encodeRecords(s.search(ctx, args.Query, args.MaxResults, args.IncludeImages))
}

func (s *WebSearchTool) Search(ctx context.Context, query string, limit int) []Record {
	return s.search(ctx, query, limit, false)
}

type tavilyResponse struct {
	Results []struct {
		Title   string `json:"title"`
		Content string `json:"content"`
		URL     string `json:"url"`
	} `json:"results"`
	Images []json.RawMessage `json:"images"`
}

func (s *WebSearchTool) search(ctx context.Context, query string, limit int, images bool) []Record {
	if s.APIKey == "" {
		return errorRecords(errors.New("TAVILY_API_KEY not configured"))
	}
	if limit <= 0 {
		limit = defaultWebResults
	}
	payload := map[string]any{
		"api_key":        s.APIKey,
		"query":          query,
		"max_results":    limit,
		"include_images": images,
	}
	body, err := s.http.postJSON(ctx, s.BaseURL+"/search", payload)
	if err != nil {
		return errorRecords(fmt.Errorf("tavily search failed: %w", err))
	}

	var resp tavilyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return errorRecords(fmt.Errorf("tavily response: %w", err))
	}

	out := make([]Record, 0, len(resp.Results)+len(resp.Images))
	for _, r := range resp.Results {
		out = append(out, Record{Title: r.Title, Content: r.Content, URL: r.URL})
	}
	if images {
		for _, raw := range resp.Images {
			if u := imageURL(raw); u != "" {
				out = append(out, Record{ImageURL: u})
			}
		}
	}
	return out
}

// imageURL accepts both the plain string and the {url, description} forms.
func imageURL(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		URL string `json:"url"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.URL
	}
	return ""
}
