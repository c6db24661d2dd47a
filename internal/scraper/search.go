package scraper

import (
	"bytes"
	"fmt"

	"github.com/PuerkitoBio/goquery"
)

// DefaultSearchResultSelector matches the result cards on a search page.
const DefaultSearchResultSelector = `article[data-testid="search-result"]`

// ExtractSearchResults returns the detail-page ListingRefs discovered on a
// rendered search page, in document order, with relative hrefs resolved
// against the page URL. Repeated links within the page are collapsed.
func ExtractSearchResults(page Page, selector string) ([]ListingRef, error) {
	if selector == "" {
		selector = DefaultSearchResultSelector
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse search page: %w", err)
	}

	var refs []ListingRef
	seen := make(map[string]struct{})
	doc.Find(selector).Each(func(_ int, card *goquery.Selection) {
		href, ok := card.Find("a[href]").First().Attr("href")
		if !ok {
			return
		}
		abs := absolutize(page.URL, href)
		if abs == "" {
			return
		}
		key := CanonicalURL(abs)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		refs = append(refs, ListingRef{URL: abs, SourcePage: page.URL})
	})
	return refs, nil
}
