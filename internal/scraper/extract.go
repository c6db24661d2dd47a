package scraper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const jsonLDSelector = `script[type="application/ld+json"]`

var (
	postcodeRe  = regexp.MustCompile(`(?i)[A-Z]{1,2}\d{1,2}[A-Z]?\s*\d[A-Z]{2}`)
	priceTextRe = regexp.MustCompile(`(?i)£\s*(\d[\d,]*)\s*(pcm|pw|per\s+week|per\s+month|weekly|monthly)?`)
	bedsTextRe  = regexp.MustCompile(`(?i)(\d+)\s*bed`)
	nonDigitRe  = regexp.MustCompile(`[^0-9]`)
)

// ExtractListing parses a rendered detail page into a CandidateRecord.
// Strategy order: embedded JSON-LD first, then DOM-pattern fallback for the
// fields JSON-LD did not supply. Structured data is authoritative: the DOM
// pass never overwrites a field it populated. A field that cannot be coerced
// is treated as absent, never as a failure of the whole record. Only when
// both strategies find nothing does this return ErrNoStructuredData.
func ExtractListing(page Page) (CandidateRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return CandidateRecord{}, fmt.Errorf("parse document: %w", err)
	}

	var rec CandidateRecord
	if applyJSONLD(doc, &rec) {
		rec.RawSource = SourceJSONLD
	}
	if !candidateComplete(rec) {
		if fillFromDOM(doc, &rec) && rec.RawSource == "" {
			rec.RawSource = SourceDOM
		}
	}

	if rec == (CandidateRecord{}) {
		return CandidateRecord{}, fmt.Errorf("%s: %w", page.URL, ErrNoStructuredData)
	}

	if rec.URL == "" {
		if page.FinalURL != "" {
			rec.URL = page.FinalURL
		} else {
			rec.URL = page.URL
		}
	}
	rec.URL = CanonicalURL(rec.URL)
	return rec, nil
}

func candidateComplete(rec CandidateRecord) bool {
	return rec.RentPCM > 0 && rec.Beds > 0 && rec.Address != "" && rec.Postcode != "" && rec.URL != ""
}

// applyJSONLD scans ld+json blocks for a listing node (one carrying an
// offers object) and maps its known paths into rec. Returns true when at
// least one field was populated.
func applyJSONLD(doc *goquery.Document, rec *CandidateRecord) bool {
	applied := false
	doc.Find(jsonLDSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var payload any
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return true
		}
		for _, node := range ldNodes(payload) {
			if applyListingNode(node, rec) {
				applied = true
				return false
			}
		}
		return true
	})
	return applied
}

// ldNodes flattens a decoded ld+json payload into candidate object nodes,
// accepting both a single object and a top-level array.
func ldNodes(payload any) []map[string]any {
	switch v := payload.(type) {
	case map[string]any:
		return []map[string]any{v}
	case []any:
		nodes := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				nodes = append(nodes, m)
			}
		}
		return nodes
	default:
		return nil
	}
}

func applyListingNode(node map[string]any, rec *CandidateRecord) bool {
	offers, ok := node["offers"].(map[string]any)
	if !ok {
		return false
	}

	applied := false
	if rec.RentPCM == 0 {
		if price := coerceInt(offers["price"]); price > 0 {
			rec.RentPCM = price
			applied = true
		}
	}
	if addr, ok := node["address"].(map[string]any); ok {
		if rec.Address == "" {
			if street := strings.TrimSpace(stringValue(addr["streetAddress"])); street != "" {
				rec.Address = street
				applied = true
			}
		}
		if rec.Postcode == "" {
			if pc := normalizePostcode(stringValue(addr["postalCode"])); pc != "" {
				rec.Postcode = pc
				applied = true
			}
		}
	}
	if rec.Beds == 0 {
		for _, key := range []string{"numberOfRooms", "numberOfBedrooms", "bedrooms"} {
			if beds := coerceInt(node[key]); beds > 0 {
				rec.Beds = beds
				applied = true
				break
			}
		}
	}
	if rec.URL == "" {
		for _, key := range []string{"@id", "url"} {
			if u := strings.TrimSpace(stringValue(node[key])); u != "" {
				rec.URL = u
				applied = true
				break
			}
		}
	}
	return applied
}

// fillFromDOM recovers still-missing fields from DOM patterns. Fields already
// populated are left untouched.
func fillFromDOM(doc *goquery.Document, rec *CandidateRecord) bool {
	applied := false
	bodyText := doc.Text()

	if rec.RentPCM == 0 {
		priceText := strings.TrimSpace(doc.Find(`[data-testid="price"], .price`).First().Text())
		if priceText == "" {
			priceText = bodyText
		}
		if rent, ok := parsePriceText(priceText); ok {
			rec.RentPCM = rent
			applied = true
		}
	}
	if rec.Beds == 0 {
		if m := bedsTextRe.FindStringSubmatch(bodyText); m != nil {
			if beds, err := strconv.Atoi(m[1]); err == nil && beds > 0 {
				rec.Beds = beds
				applied = true
			}
		}
	}
	if rec.Address == "" {
		if addr := strings.TrimSpace(doc.Find(`address, [data-testid="address"]`).First().Text()); addr != "" {
			rec.Address = addr
			applied = true
		}
	}
	if rec.Postcode == "" && rec.Address != "" {
		if pc := normalizePostcode(rec.Address); pc != "" {
			rec.Postcode = pc
			applied = true
		}
	}
	return applied
}

// parsePriceText extracts a monthly rent from a price string, stripping
// currency and separators and converting weekly amounts to per-month.
func parsePriceText(text string) (int, bool) {
	m := priceTextRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	amount, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil || amount <= 0 {
		return 0, false
	}
	freq := strings.ToLower(m[2])
	if strings.Contains(freq, "week") || freq == "pw" {
		amount = int(math.Round(float64(amount) * 52 / 12))
	}
	return amount, true
}

// coerceInt converts a decoded JSON value into a positive int, stripping
// non-digits from strings. Uncoercible values yield 0 (absent).
func coerceInt(v any) int {
	switch val := v.(type) {
	case float64:
		if val > 0 && val == math.Trunc(val) {
			return int(val)
		}
		return int(math.Round(val))
	case string:
		digits := nonDigitRe.ReplaceAllString(val, "")
		if digits == "" {
			return 0
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

// normalizePostcode validates s against the UK postcode shape and returns it
// uppercased with the space removed, or "" when no postcode is present.
func normalizePostcode(s string) string {
	m := postcodeRe.FindString(s)
	if m == "" {
		return ""
	}
	return strings.ReplaceAll(strings.ToUpper(m), " ", "")
}
