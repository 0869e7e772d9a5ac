// Package contentfilter strips navigational and boilerplate chrome from a
// rendered page before text is handed to the keyword matcher or markdown
// converter. The selector-based removal strategy and its default chrome
// element/attribute lists are grounded on
// rohmanhakim-docs-crawler/internal/extractor/dom.go's
// removeChromeElements/removeElementsWithChromeAttributes pass, adapted
// here to use goquery directly rather than a deep-cloned html.Node tree.
package contentfilter

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// defaultChromeSelectors are always stripped regardless of configuration.
var defaultChromeSelectors = []string{
	"nav", "header", "footer", "aside",
	".nav", ".navbar", ".navigation",
	".header", ".footer", ".sidebar", ".side-bar",
	".menu", ".breadcrumb", ".breadcrumbs",
	".cookie-banner", ".cookie-consent", "#cookie-banner",
	"[role=\"navigation\"]", "[role=\"banner\"]", "[role=\"contentinfo\"]",
	"script", "style", "noscript", "svg",
}

// Filter removes chrome from renderedHTML and returns the plain text of
// what remains, suitable for keyword matching and markdown conversion.
// customSelectors are additional CSS selectors to strip, supplied by
// configuration for site-specific chrome the defaults miss.
func Filter(renderedHTML string, customSelectors []string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(renderedHTML))
	if err != nil {
		return "", err
	}

	RemoveChrome(doc.Selection, customSelectors)

	text := doc.Find("body").Text()
	if text == "" {
		text = doc.Text()
	}
	return collapseWhitespace(text), nil
}

// FilteredDocument removes chrome in place and returns the goquery
// document, for callers (mdconvert) that need structure rather than
// flattened text.
func FilteredDocument(renderedHTML string, customSelectors []string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(renderedHTML))
	if err != nil {
		return nil, err
	}
	RemoveChrome(doc.Selection, customSelectors)
	return doc, nil
}

// RemoveChrome strips every default and custom chrome selector match from
// sel in place.
func RemoveChrome(sel *goquery.Selection, customSelectors []string) {
	for _, selector := range defaultChromeSelectors {
		sel.Find(selector).Remove()
	}
	for _, selector := range customSelectors {
		selector = strings.TrimSpace(selector)
		if selector == "" {
			continue
		}
		sel.Find(selector).Remove()
	}
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
