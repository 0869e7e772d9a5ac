// Package linkextract discovers candidate URLs from rendered HTML: a
// primary <a href> tree walk, a lenient tokenizer fallback for malformed
// DOMs, and an inline-script scan for client-side router paths. The
// primary walk is grounded on erndmrc-spider2's Parser.traverse
// (internal/parser/parser.go); the lenient fallback is grounded on its
// StreamingParser token loop (internal/perf/streaming.go), reused here as
// a malformed-DOM safety net rather than for full streaming parse.
package linkextract

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// RawLink is an unresolved href discovered on the page, paired with its
// anchor text for downstream use (e.g. SPA slug synthesis).
type RawLink struct {
	Href string
	Text string
}

// fallbackThreshold is the link count below which the lenient fallback
// parser runs as a safety net against a malformed or truncated DOM.
const fallbackThreshold = 5

// routerPathPattern matches quoted path-like string literals that look
// like client-side router route definitions, e.g. '/users/:id' or
// "/settings".
var routerPathPattern = regexp.MustCompile(`["'](/[a-zA-Z0-9_\-./:]{1,200})["']`)

// Extract returns every href discovered via the primary tree walk, falling
// back to the lenient tokenizer when fewer than fallbackThreshold links
// were found.
func Extract(renderedHTML string) []RawLink {
	links := extractViaTree(renderedHTML)
	if len(links) < fallbackThreshold {
		links = append(links, extractViaTokenizer(renderedHTML)...)
	}
	return dedupeLinks(links)
}

func extractViaTree(renderedHTML string) []RawLink {
	doc, err := html.Parse(strings.NewReader(renderedHTML))
	if err != nil {
		return nil
	}

	var links []RawLink
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			href := attrOf(n, "href")
			if href != "" && isNavigableHref(href) {
				links = append(links, RawLink{Href: href, Text: strings.TrimSpace(textOf(n))})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

// extractViaTokenizer re-parses the same bytes with the lower-level
// tokenizer, which tolerates malformed markup the tree builder rejects.
func extractViaTokenizer(renderedHTML string) []RawLink {
	var links []RawLink
	tokenizer := html.NewTokenizer(bytes.NewReader([]byte(renderedHTML)))
	var textBuffer strings.Builder
	inAnchor := false

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return links

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttrs := tokenizer.TagName()
			if string(name) == "a" {
				href := ""
				if hasAttrs {
					for {
						key, val, more := tokenizer.TagAttr()
						if string(key) == "href" {
							href = string(val)
						}
						if !more {
							break
						}
					}
				}
				if href != "" && isNavigableHref(href) {
					inAnchor = true
					textBuffer.Reset()
					links = append(links, RawLink{Href: href})
				}
			}

		case html.TextToken:
			if inAnchor {
				textBuffer.Write(tokenizer.Text())
			}

		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if string(name) == "a" && inAnchor {
				if len(links) > 0 {
					links[len(links)-1].Text = strings.TrimSpace(textBuffer.String())
				}
				inAnchor = false
			}
		}
	}
}

// ExtractRouterPaths scans inline <script> bodies for path-like string
// literals that resemble client-side router route definitions, letting
// the Worker discover SPA routes no <a href> ever names.
func ExtractRouterPaths(renderedHTML string) []string {
	doc, err := html.Parse(strings.NewReader(renderedHTML))
	if err != nil {
		return nil
	}

	var paths []string
	seen := make(map[string]struct{})
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "script" && attrOf(n, "src") == "" {
			body := textOf(n)
			for _, m := range routerPathPattern.FindAllStringSubmatch(body, -1) {
				path := m[1]
				if strings.Contains(path, ":") {
					continue // route param placeholder, not a concrete URL
				}
				if _, dup := seen[path]; dup {
					continue
				}
				seen[path] = struct{}{}
				paths = append(paths, path)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return paths
}

func isNavigableHref(href string) bool {
	if href == "" || href == "#" {
		return false
	}
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "javascript:") ||
		strings.HasPrefix(lower, "mailto:") ||
		strings.HasPrefix(lower, "tel:") {
		return false
	}
	return true
}

func dedupeLinks(links []RawLink) []RawLink {
	seen := make(map[string]struct{}, len(links))
	out := make([]RawLink, 0, len(links))
	for _, l := range links {
		if _, ok := seen[l.Href]; ok {
			continue
		}
		seen[l.Href] = struct{}{}
		out = append(out, l)
	}
	return out
}

func attrOf(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return b.String()
}

// ResolveAll resolves a batch of hrefs against base, discarding any that
// fail to parse. This is a thin convenience used before canonicalization.
func ResolveAll(base string, hrefs []RawLink) []string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(hrefs))
	for _, h := range hrefs {
		ref, err := url.Parse(h.Href)
		if err != nil {
			continue
		}
		out = append(out, baseURL.ResolveReference(ref).String())
	}
	return out
}
