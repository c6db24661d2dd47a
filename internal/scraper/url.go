package scraper

import (
	"net/url"
	"strings"
)

// CanonicalURL normalizes a listing URL into its identity form for dedup:
// lowercase scheme and host, default ports and fragments removed, query
// parameters sorted, trailing slash trimmed. Invalid input falls back to the
// trimmed, lowercased raw string so a bad URL still yields a usable key.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawQuery = u.Query().Encode()
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String()
}

// NormalizeAddress folds an address into its dedup form: lowercased with
// whitespace runs collapsed to single spaces.
func NormalizeAddress(addr string) string {
	return strings.Join(strings.Fields(strings.ToLower(addr)), " ")
}

// rewriteHost swaps the host of rawURL, used for mobile-host substitution.
func rewriteHost(rawURL, host string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	u.Host = host
	return u.String()
}

// absolutize resolves href against the page URL, returning "" when neither
// yields an absolute URL.
func absolutize(pageURL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		return ref.String()
	}
	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" {
		return ""
	}
	return base.ResolveReference(ref).String()
}
