// Package fetch implements the Page Fetcher & Parser (spec.md §4.E):
// fetch_and_parse issues a request through the Transport Registry, parses
// the HTML body with goquery, and extracts the title, visible text,
// same-document links, and media references.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/deepweb-research/crawlcore/internal/models"
	"github.com/deepweb-research/crawlcore/internal/result"
	"github.com/deepweb-research/crawlcore/internal/transport"
)

var documentExtensions = []string{".pdf", ".doc", ".docx", ".txt", ".zip", ".rar"}

// MediaRef is one media reference discovered on a page, not yet fetched.
type MediaRef struct {
	URL string
}

// Parsed holds everything extracted from one fetched page.
type Parsed struct {
	Title string
	Text  string
	HTML  string
	Links []string
	Media []MediaRef
}

// Fetcher issues requests through a Transport Registry and parses the result.
type Fetcher struct {
	registry *transport.Registry
}

// New builds a Fetcher over the given Transport Registry.
func New(registry *transport.Registry) *Fetcher {
	return &Fetcher{registry: registry}
}

// FetchAndParse implements spec.md §4.E's single operation.
func (f *Fetcher) FetchAndParse(ctx context.Context, rawURL string) (*Parsed, result.Outcome) {
	tr, _, ok := f.registry.Select(rawURL)
	if !ok {
		return nil, result.Error(result.ReasonNoTransport, fmt.Errorf("no transport for %s", rawURL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, result.Error(result.ReasonTransportError, err)
	}

	resp, err := tr.Client.Do(req)
	if err != nil {
		return nil, result.Error(result.ReasonTransportError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, result.Error(result.ReasonHTTPError, fmt.Errorf("http status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, result.Error(result.ReasonTransportError, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(decodeLossy(body)))
	if err != nil {
		return nil, result.Error(result.ReasonTransportError, fmt.Errorf("parse html: %w", err))
	}

	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, result.Error(result.ReasonTransportError, fmt.Errorf("parse base url: %w", err))
	}

	parsed := &Parsed{
		Title: extractTitle(doc),
		Text:  extractText(doc),
		HTML:  decodeLossy(body),
		Links: extractLinks(doc, base),
		Media: extractMedia(doc, base),
	}
	return parsed, result.OK()
}

// decodeLossy returns body as UTF-8, falling back to a lossy conversion
// (Go strings are just bytes, so this is effectively a passthrough;
// kept as a named step to mirror spec.md §4.E step 3 and to centralize
// where a real charset-detection step would be added).
func decodeLossy(body []byte) string {
	return string(body)
}

func extractTitle(doc *goquery.Document) string {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		return "No Title"
	}
	return title
}

func extractText(doc *goquery.Document) string {
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// resolvableLink applies the §4.E edge-case policy: discard empty or
// javascript:/mailto:/tel: schemes and fragment-only hrefs before
// resolution, then keep only http/https after absolute resolution.
func resolvableLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") {
		return "", false
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	return resolved.String(), true
}

func extractLinks(doc *goquery.Document, base *url.URL) []string {
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if resolved, ok := resolvableLink(base, href); ok {
			links = append(links, resolved)
		}
	})
	return links
}

func hasDocumentExtension(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range documentExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func extractMedia(doc *goquery.Document, base *url.URL) []MediaRef {
	var refs []MediaRef
	seen := make(map[string]bool)

	add := func(href string) {
		resolved, ok := resolvableLink(base, href)
		if !ok || seen[resolved] {
			return
		}
		seen[resolved] = true
		refs = append(refs, MediaRef{URL: resolved})
	}

	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(src)
	})
	doc.Find("video[src], video source[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(src)
	})
	doc.Find("audio[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(src)
	})
	doc.Find("audio source[src]").Each(func(_ int, s *goquery.Selection) {
		typ, _ := s.Attr("type")
		if typ != "" && !strings.HasPrefix(typ, "audio/") {
			return
		}
		src, _ := s.Attr("src")
		add(src)
	})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if hasDocumentExtension(href) {
			add(href)
		}
	})

	return refs
}

// ToPage builds a models.Page from the parsed result, truncated to the
// §3 storage bounds.
func (p *Parsed) ToPage(siteID int64, pageURL string, depth int) models.Page {
	page := models.Page{
		SiteID: siteID,
		URL:    pageURL,
		Title:  p.Title,
		Text:   p.Text,
		HTML:   p.HTML,
		Depth:  depth,
	}
	page.Truncate()
	return page
}
