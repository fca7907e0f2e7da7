package tools

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"golang.org/x/time/rate"
)

const (
	defaultArxivResults = 3
	arxivMaxPages       = 6
	arxivExcerptChars   = 5000
)

// ArxivTool searches arXiv and replaces each abstract with an excerpt of the
// paper's text when the PDF can be fetched and read.
type ArxivTool struct {
	BaseURL    string
	IncludePDF bool
	http       *httpClient
	pdfHTTP    *httpClient
	limiter    *rate.Limiter
}

func NewArxivTool(baseURL, userAgent string) *ArxivTool {
	if baseURL == "" {
		baseURL = "https://export.arxiv.org"
	}
	return &ArxivTool{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		IncludePDF: true,
		http:       newHTTPClient("arxiv", userAgent, 60*time.Second),
		pdfHTTP:    newHTTPClient("arxiv_pdf", userAgent, 90*time.Second),
		// arXiv asks clients to keep to about one request per second.
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (a *ArxivTool) Name() string {
	return "arxiv_search_tool"
}

func (a *ArxivTool) Description() string {
	return "Searches arXiv and (internally) fetches PDFs to memory and extracts text."
}

func (a *ArxivTool) Parameters() map[string]any {
	return queryParameters(map[string]any{
		"max_results": map[string]any{
			"type":    "integer",
			"default": defaultArxivResults,
		},
	})
}

func (a *ArxivTool) Execute(ctx context.Context, input string) (string, error) {
	args, err := parseSearchArgs(input)
	if err != nil {
		return "", err
	}
	return encodeRecords(a.Search(ctx, args.Query, args.MaxResults))
}

type atomFeed struct {
	Entries []atomEntry `xml:"http://www.w3.org/2005/Atom entry"`
}

type atomEntry struct {
	ID        string `xml:"http://www.w3.org/2005/Atom id"`
	Title     string `xml:"http://www.w3.org/2005/Atom title"`
	Summary   string `xml:"http://www.w3.org/2005/Atom summary"`
	Published string `xml:"http://www.w3.org/2005/Atom published"`
	Authors   []struct {
		Name string `xml:"http://www.w3.org/2005/Atom name"`
	} `xml:"http://www.w3.org/2005/Atom author"`
	Links []struct {
		Href  string `xml:"href,attr"`
		Title string `xml:"title,attr"`
	} `xml:"http://www.w3.org/2005/Atom link"`
}

func (a *ArxivTool) Search(ctx context.Context, query string, limit int) []Record {
	if limit <= 0 {
		limit = defaultArxivResults
	}
	q := url.Values{}
	q.Set("search_query", "all:"+query)
	q.Set("start", "0")
	q.Set("max_results", fmt.Sprint(limit))

	if err := a.limiter.Wait(ctx); err != nil {
		return errorRecords(fmt.Errorf("arXiv API request failed: %w", err))
	}
	body, err := a.http.get(ctx, a.BaseURL+"/api/query?"+q.Encode())
	if err != nil {
		return errorRecords(fmt.Errorf("arXiv API request failed: %w", err))
	}

	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return errorRecords(fmt.Errorf("arXiv API XML parse failed: %w", err))
	}

	out := make([]Record, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		rec := Record{
			Title:   strings.TrimSpace(e.Title),
			URL:     strings.TrimSpace(e.ID),
			Summary: strings.TrimSpace(e.Summary),
		}
		if len(e.Published) >= 10 {
			rec.Published = e.Published[:10]
		} else {
			rec.Published = e.Published
		}
		for _, au := range e.Authors {
			if au.Name != "" {
				rec.Authors = append(rec.Authors, au.Name)
			}
		}
		for _, l := range e.Links {
			if l.Title == "pdf" {
				rec.PDFURL = l.Href
				break
			}
		}
		if rec.PDFURL == "" && rec.URL != "" {
			rec.PDFURL = ensurePDFURL(rec.URL)
		}

		if a.IncludePDF && rec.PDFURL != "" {
			a.attachExcerpt(ctx, &rec)
		}
		out = append(out, rec)
	}
	return out
}

func (a *ArxivTool) attachExcerpt(ctx context.Context, rec *Record) {
	if err := a.limiter.Wait(ctx); err != nil {
		rec.PDFError = fmt.Sprintf("PDF fetch failed: %v", err)
		return
	}
	data, err := a.pdfHTTP.get(ctx, rec.PDFURL)
	if err != nil {
		rec.PDFError = fmt.Sprintf("PDF fetch failed: %v", err)
		return
	}
	text, err := pdfText(data, arxivMaxPages)
	if err != nil {
		rec.TextError = fmt.Sprintf("Text extraction failed: %v", err)
		return
	}
	if text = cleanText(text); text != "" {
		rec.Summary = truncate(text, arxivExcerptChars)
	}
}

// ensurePDFURL turns an abstract URL into the matching PDF URL.
func ensurePDFURL(u string) string {
	u = strings.Replace(strings.TrimSpace(u), "http://", "https://", 1)
	if strings.Contains(u, "/pdf/") && strings.HasSuffix(u, ".pdf") {
		return u
	}
	u = strings.Replace(u, "/abs/", "/pdf/", 1)
	if !strings.HasSuffix(u, ".pdf") {
		u += ".pdf"
	}
	return u
}

// pdfText extracts the plain text of the first maxPages pages.
func pdfText(data []byte, maxPages int) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	n := r.NumPage()
	if maxPages > 0 && n > maxPages {
		n = maxPages
	}
	var b strings.Builder
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String(), nil
}
