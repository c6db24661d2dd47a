// Package scraper implements the rental-listing extraction pipeline: stable
// navigation, the anti-blocking fallback ladder, JSON-LD/DOM extraction,
// quota-bounded crawl control, validation and dedup, and record emission.
package scraper
