package crawler

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// extractLinks pulls up to maxLinks absolute http(s) URLs out of an HTML
// body, resolved against base, deduplicated, with fragments stripped.
func extractLinks(base *url.URL, body []byte, maxLinks int) []*url.URL {
	if base == nil || len(body) == 0 {
		return nil
	}
	if maxLinks <= 0 {
		maxLinks = 200
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	links := make([]*url.URL, 0, maxLinks)

	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, ok := s.Attr("href")
		if !ok {
			return true
		}
		href = strings.TrimSpace(href)
		if href == "" {
			return true
		}
		if strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return true
		}

		u, err := base.Parse(href)
		if err != nil {
			return true
		}
		u.Fragment = ""

		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return true
		}

		key := u.String()
		if _, exists := seen[key]; exists {
			return true
		}
		seen[key] = struct{}{}
		links = append(links, u)
		return len(links) < maxLinks
	})

	return links
}
