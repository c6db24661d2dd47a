package scraper

import "time"

// Outcome classifies a candidate record after validation and dedup.
type Outcome int

const (
	// OutcomeComplete means the record satisfies the schema contract and
	// has not been seen before.
	OutcomeComplete Outcome = iota
	// OutcomeIncomplete means one or more required fields are absent.
	OutcomeIncomplete
	// OutcomeDuplicate means an earlier record already claimed the same
	// dedupe key. Suppressed, not failed.
	OutcomeDuplicate
)

// CheckResult is the outcome of one Validator/Deduper pass.
type CheckResult struct {
	Outcome Outcome
	// Record is populated only for OutcomeComplete.
	Record ValidatedRecord
	// Missing lists absent required fields for OutcomeIncomplete.
	Missing []string
	// Key is the dedupe key that collided for OutcomeDuplicate.
	Key string
}

// requiredFields is the schema contract for a valid listing record.
var requiredFields = []string{"rent_pcm", "beds", "address", "postcode", "url"}

// Deduper validates candidates against the schema contract and suppresses
// records already seen this run, keyed by normalized address+postcode or by
// canonical URL. First seen wins; ordering is deterministic because the
// pipeline runs a single worker. State lives for one run only.
type Deduper struct {
	source   string
	runID    string
	seenAddr map[string]string
	seenURL  map[string]struct{}
}

// NewDeduper builds an empty run-scoped Deduper. source and runID are stamped
// onto every validated record.
func NewDeduper(source, runID string) *Deduper {
	return &Deduper{
		source:   source,
		runID:    runID,
		seenAddr: make(map[string]string),
		seenURL:  make(map[string]struct{}),
	}
}

// Check validates and dedupes one candidate. A schema violation yields
// Incomplete; a dedupe collision yields Duplicate; otherwise the record is
// marked seen and returned as Complete.
func (d *Deduper) Check(c CandidateRecord) CheckResult {
	missing := missingFields(c)
	if len(missing) > 0 {
		return CheckResult{Outcome: OutcomeIncomplete, Missing: missing}
	}

	addrKey := NormalizeAddress(c.Address) + "|" + NormalizeAddress(c.Postcode)
	urlKey := CanonicalURL(c.URL)

	if _, dup := d.seenAddr[addrKey]; dup {
		return CheckResult{Outcome: OutcomeDuplicate, Key: addrKey}
	}
	if _, dup := d.seenURL[urlKey]; dup {
		return CheckResult{Outcome: OutcomeDuplicate, Key: urlKey}
	}
	d.seenAddr[addrKey] = urlKey
	d.seenURL[urlKey] = struct{}{}

	return CheckResult{
		Outcome: OutcomeComplete,
		Record: ValidatedRecord{
			URL:       urlKey,
			RentPCM:   c.RentPCM,
			Beds:      c.Beds,
			Address:   c.Address,
			Postcode:  c.Postcode,
			RawSource: c.RawSource,
			Source:    d.source,
			RunID:     d.runID,
			ScrapedAt: time.Now().UTC(),
		},
	}
}

func missingFields(c CandidateRecord) []string {
	var missing []string
	if c.RentPCM <= 0 {
		missing = append(missing, "rent_pcm")
	}
	if c.Beds <= 0 {
		missing = append(missing, "beds")
	}
	if c.Address == "" {
		missing = append(missing, "address")
	}
	if c.Postcode == "" {
		missing = append(missing, "postcode")
	}
	if c.URL == "" {
		missing = append(missing, "url")
	}
	return missing
}

// RequiredFields exposes the schema contract, mainly for diagnostics.
func RequiredFields() []string {
	out := make([]string, len(requiredFields))
	copy(out, requiredFields)
	return out
}
