package scraper

import (
	"context"
	"time"

	"github.com/rentradar/rentradar/internal/proxy"
)

// SearchQuery is an immutable search input built from configuration. Input is
// either a full search URL or an area fragment appended to the site's to-rent
// path.
type SearchQuery struct {
	Input    string
	MaxPages int
}

// ListingRef is a discovered detail-page URL plus the search page it came
// from. Created during search-page crawl, consumed once by the detail fetch.
type ListingRef struct {
	URL        string
	SourcePage string
}

// Page is the rendered document for one URL together with the transport that
// produced it. It is owned by the fetch step that produced it and discarded
// after extraction.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	Transport  proxy.Transport
	Elapsed    time.Duration
}

// NavRequest carries everything a Navigator needs for one navigation.
type NavRequest struct {
	URL       string
	Transport proxy.Transport
	// Marker is the CSS selector whose presence signals a usable render.
	Marker string
}

// Navigator drives the rendering engine to a stable document state.
type Navigator interface {
	Navigate(ctx context.Context, req NavRequest) (Page, error)
}

// RawSource identifies which extraction strategy populated a record.
type RawSource string

const (
	// SourceJSONLD marks fields extracted from embedded structured data.
	SourceJSONLD RawSource = "json-ld"
	// SourceDOM marks fields recovered by DOM-pattern fallback.
	SourceDOM RawSource = "dom"
)

// CandidateRecord is extraction output before validation. Partially populated
// is legal; zero RentPCM/Beds and empty strings mean absent.
type CandidateRecord struct {
	URL       string    `json:"url"`
	RentPCM   int       `json:"rent_pcm"`
	Beds      int       `json:"beds"`
	Address   string    `json:"address"`
	Postcode  string    `json:"postcode"`
	RawSource RawSource `json:"raw_source"`
}

// ValidatedRecord is a CandidateRecord that satisfies the schema contract:
// rent_pcm, beds, address, postcode, and url all present. Immutable once
// constructed.
type ValidatedRecord struct {
	URL       string    `json:"url"`
	RentPCM   int       `json:"rent_pcm"`
	Beds      int       `json:"beds"`
	Address   string    `json:"address"`
	Postcode  string    `json:"postcode"`
	RawSource RawSource `json:"raw_source"`
	Source    string    `json:"source"`
	RunID     string    `json:"run_id,omitempty"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// Archiver persists validated records to longer-term storage. Implementations
// must treat failures as non-fatal; the engine only logs and counts them.
type Archiver interface {
	Save(ctx context.Context, rec ValidatedRecord) error
}
