package main

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/factually-labs/pipeline/internal/extraction"
)

// parseIndex extracts article links from an archive/index page. Real outlets
// each need bespoke selectors; per spec §1 that per-outlet scraping detail
// is out of scope, so this applies one generic heuristic (anchors inside
// <article> or with an "article" class/href hint) across every source
// rather than hard-coding one outlet's markup.
func parseIndex(body []byte, sourceURL string) []extraction.ItemRef {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	source := hostOf(sourceURL)
	seen := make(map[string]bool)
	var refs []extraction.ItemRef

	doc.Find("article a[href], a.article-link[href], a[href*='/article/']").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" || seen[href] {
			return
		}
		seen[href] = true
		refs = append(refs, extraction.ItemRef{URL: resolveURL(sourceURL, href), Source: source})
	})
	return refs
}

// parseLoad extracts the same article links plus a "load more" follow-up
// URL, used by the load_more traversal policy.
func parseLoad(body []byte, sourceURL string) ([]extraction.ItemRef, string) {
	refs := parseIndex(body, sourceURL)

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return refs, ""
	}

	next, _ := doc.Find("a.load-more[href], a[rel='next'][href]").First().Attr("href")
	if next == "" {
		return refs, ""
	}
	return refs, resolveURL(sourceURL, next)
}

func hostOf(rawURL string) string {
	u := strings.TrimPrefix(rawURL, "https://")
	u = strings.TrimPrefix(u, "http://")
	if idx := strings.IndexAny(u, "/?"); idx >= 0 {
		u = u[:idx]
	}
	return u
}

func resolveURL(base, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	scheme := "https://"
	host := hostOf(base)
	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	return scheme + host + href
}
