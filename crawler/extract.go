package crawler

import (
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"sitekb/knowledge"
)

const DefaultMinContentLength = 100

var nonContentSelector = "script, style, noscript, iframe, svg, nav, header, footer, aside, form"

var contentSelectors = []string{
	"main",
	"article",
	"[role=main]",
	"#content",
	".content",
	".main-content",
	".post-content",
	".entry-content",
	".page-content",
}

// blockSelector marks elements whose text must not run into the next element's.
var blockSelector = "main, p, div, section, article, ul, ol, table, li, br, h1, h2, h3, h4, h5, h6, td, th, tr, blockquote, pre, dd, dt"

// Page is the extracted form of one HTML document.
type Page struct {
	Title       string
	Description string
	Content     string
	Links       []string
}

// Extract parses an HTML document. Links are collected before any markup is removed,
// so navigation in headers and footers still feeds the crawl.
func Extract(body io.Reader, pageURL *url.URL, minContentLength int) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("crawler: parse html: %w", err)
	}
	if minContentLength <= 0 {
		minContentLength = DefaultMinContentLength
	}

	page := &Page{
		Title:       extractTitle(doc, pageURL),
		Description: extractDescription(doc),
		Links:       extractLinks(doc, pageURL),
	}

	doc.Find(nonContentSelector).Remove()
	doc.Find(blockSelector).AppendHtml(" ")

	for _, selector := range contentSelectors {
		selection := doc.Find(selector).First()
		if selection.Length() == 0 {
			continue
		}
		text := knowledge.CleanText(selection.Text())
		if len(text) > minContentLength {
			page.Content = text
			return page, nil
		}
	}
	page.Content = knowledge.CleanText(doc.Find("body").Text())
	return page, nil
}

func extractLinks(doc *goquery.Document, pageURL *url.URL) []string {
	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		resolved, ok := ResolveLink(pageURL, href)
		if !ok {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		links = append(links, resolved)
	})
	return links
}

func extractTitle(doc *goquery.Document, pageURL *url.URL) string {
	if title := knowledge.CleanText(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if og, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
		if title := knowledge.CleanText(og); title != "" {
			return title
		}
	}
	if title := knowledge.CleanText(doc.Find("h1").First().Text()); title != "" {
		return title
	}
	return titleFromPath(pageURL)
}

func extractDescription(doc *goquery.Document) string {
	for _, selector := range []string{`meta[name="description"]`, `meta[property="og:description"]`} {
		if content, ok := doc.Find(selector).First().Attr("content"); ok {
			if description := knowledge.CleanText(content); description != "" {
				return description
			}
		}
	}
	return ""
}

func titleFromPath(pageURL *url.URL) string {
	if pageURL == nil {
		return ""
	}
	base := path.Base(strings.TrimRight(pageURL.Path, "/"))
	if base == "" || base == "." || base == "/" {
		return pageURL.Hostname()
	}
	base = strings.TrimSuffix(base, path.Ext(base))
	base = strings.NewReplacer("-", " ", "_", " ").Replace(base)
	return strings.TrimSpace(base)
}
