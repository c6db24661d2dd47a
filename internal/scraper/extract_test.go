package scraper

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func listingFixture(id string, price any, beds any, street, postcode string) string {
	return fmt.Sprintf(`<html><head>
<script type="application/ld+json">
{"@type":"Residence","@id":"https://www.zoopla.co.uk/to-rent/details/%s",
 "offers":{"price":%v},
 "address":{"streetAddress":%q,"postalCode":%q},
 "numberOfRooms":%v}
</script>
</head><body><h1>Listing %s</h1></body></html>`, id, price, street, postcode, beds, id)
}

func TestExtractListingJSONLD(t *testing.T) {
	page := Page{
		URL:  "https://www.zoopla.co.uk/to-rent/details/1",
		Body: []byte(listingFixture("1", 1200, 3, "123 Fake Street", "L1 2AB")),
	}

	rec, err := ExtractListing(page)
	require.NoError(t, err)
	require.Equal(t, 1200, rec.RentPCM)
	require.Equal(t, 3, rec.Beds)
	require.Equal(t, "123 Fake Street", rec.Address)
	require.Equal(t, "L12AB", rec.Postcode)
	require.Equal(t, "https://www.zoopla.co.uk/to-rent/details/1", rec.URL)
	require.Equal(t, SourceJSONLD, rec.RawSource)
}

func TestExtractListingCoercesStringValues(t *testing.T) {
	page := Page{
		URL:  "https://www.zoopla.co.uk/to-rent/details/2",
		Body: []byte(listingFixture("2", `"£800 pcm"`, `"2 beds"`, "45 Example Ave", "L1 3CD")),
	}

	rec, err := ExtractListing(page)
	require.NoError(t, err)
	require.Equal(t, 800, rec.RentPCM)
	require.Equal(t, 2, rec.Beds)
	require.Equal(t, "L13CD", rec.Postcode)
}

func TestExtractListingDOMFallbackFillsMissingOnly(t *testing.T) {
	// JSON-LD supplies price and URL; the DOM carries conflicting price text
	// plus the missing beds/address. Structured data must win for price.
	body := `<html><head>
<script type="application/ld+json">
{"@id":"https://www.zoopla.co.uk/to-rent/details/3","offers":{"price":950},"address":{}}
</script>
</head><body>
<span data-testid="price">£725 pcm</span>
<p>A well presented 4 bed house.</p>
<address>9 Willow Road, Lincoln LN5 7AA</address>
</body></html>`
	rec, err := ExtractListing(Page{URL: "https://www.zoopla.co.uk/to-rent/details/3", Body: []byte(body)})
	require.NoError(t, err)

	require.Equal(t, 950, rec.RentPCM, "json-ld price must not be overwritten by the DOM")
	require.Equal(t, 4, rec.Beds)
	require.Equal(t, "9 Willow Road, Lincoln LN5 7AA", rec.Address)
	require.Equal(t, "LN57AA", rec.Postcode)
	require.Equal(t, SourceJSONLD, rec.RawSource)
}

func TestExtractListingDOMOnly(t *testing.T) {
	body := `<html><body>
<span data-testid="price">£1,050 per month</span>
<h2>3 bed semi-detached house</h2>
<address>12 High Street, Wirral CH44 1AB</address>
</body></html>`
	rec, err := ExtractListing(Page{URL: "https://m.zoopla.co.uk/to-rent/details/4", Body: []byte(body)})
	require.NoError(t, err)

	require.Equal(t, 1050, rec.RentPCM)
	require.Equal(t, 3, rec.Beds)
	require.Equal(t, "CH441AB", rec.Postcode)
	require.Equal(t, SourceDOM, rec.RawSource)
	require.Equal(t, "https://m.zoopla.co.uk/to-rent/details/4", rec.URL)
}

func TestExtractListingWeeklyPriceConvertsToMonthly(t *testing.T) {
	body := `<html><body>
<span data-testid="price">£300 pw</span>
<p>2 bed flat</p>
</body></html>`
	rec, err := ExtractListing(Page{URL: "https://example.org/x", Body: []byte(body)})
	require.NoError(t, err)
	require.Equal(t, 1300, rec.RentPCM) // 300 * 52 / 12
}

func TestExtractListingUncoercibleFieldIsAbsent(t *testing.T) {
	page := Page{
		URL:  "https://www.zoopla.co.uk/to-rent/details/5",
		Body: []byte(listingFixture("5", `"POA"`, 3, "7 Elm Court", "TA6 4QQ")),
	}
	rec, err := ExtractListing(page)
	require.NoError(t, err)
	require.Zero(t, rec.RentPCM, "uncoercible price is absent, not an error")
	require.Equal(t, 3, rec.Beds)
}

func TestExtractListingNothingFound(t *testing.T) {
	page := Page{URL: "https://example.org/empty", Body: []byte("<html><body><p>nothing here</p></body></html>")}
	_, err := ExtractListing(page)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNoStructuredData))
}

func TestExtractListingIgnoresMalformedJSONLD(t *testing.T) {
	body := `<html><head>
<script type="application/ld+json">{not json at all</script>
<script type="application/ld+json">
{"@id":"https://www.zoopla.co.uk/to-rent/details/6","offers":{"price":600},
 "address":{"streetAddress":"1 Mill Lane","postalCode":"LN1 1AA"},"numberOfBedrooms":1}
</script>
</head><body></body></html>`
	rec, err := ExtractListing(Page{URL: "https://www.zoopla.co.uk/to-rent/details/6", Body: []byte(body)})
	require.NoError(t, err)
	require.Equal(t, 600, rec.RentPCM)
	require.Equal(t, 1, rec.Beds)
}

func TestParsePriceText(t *testing.T) {
	tests := []struct {
		in     string
		want   int
		wantOK bool
	}{
		{"£1,250 pcm", 1250, true},
		{"£250 per week", 1083, true},
		{"£950 per month", 950, true},
		{"1250", 0, false},
		{"no price", 0, false},
	}
	for _, tt := range tests {
		got, ok := parsePriceText(tt.in)
		require.Equal(t, tt.wantOK, ok, "input %q", tt.in)
		require.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestNormalizePostcode(t *testing.T) {
	require.Equal(t, "L12AB", normalizePostcode("L1 2AB"))
	require.Equal(t, "CH441AB", normalizePostcode("flat 2, 12 High Street, ch44 1ab"))
	require.Equal(t, "", normalizePostcode("no postcode here"))
}
