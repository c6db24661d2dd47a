package scraper

import (
	"errors"
	"fmt"
)

// NavErrorKind classifies why a navigation failed. The kind decides the
// recovery path in the ladder: timeouts retry the same rung once, everything
// else escalates to the next transport.
type NavErrorKind string

const (
	// NavTimeout means neither the content marker nor the fallback
	// readiness condition appeared within the bounds.
	NavTimeout NavErrorKind = "timeout"
	// NavNon2xx means the document response carried a non-2xx status that
	// is not a blocking status.
	NavNon2xx NavErrorKind = "non2xx"
	// NavBlocked means a 403/429 status or a block-page body signature.
	NavBlocked NavErrorKind = "blocked"
)

// NavigationError reports a failed navigation attempt.
type NavigationError struct {
	Kind       NavErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *NavigationError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("navigation %s (%d): %s", e.Kind, e.StatusCode, e.URL)
	}
	return fmt.Sprintf("navigation %s: %s", e.Kind, e.URL)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// IsNavKind reports whether err is a NavigationError of the given kind.
func IsNavKind(err error, kind NavErrorKind) bool {
	var navErr *NavigationError
	return errors.As(err, &navErr) && navErr.Kind == kind
}

// FetchError reports that the fallback ladder was exhausted for one URL.
type FetchError struct {
	URL      string
	Attempts int
	Last     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch exhausted after %d attempts: %s", e.Attempts, e.URL)
}

func (e *FetchError) Unwrap() error { return e.Last }

// ErrNoStructuredData is returned when both the JSON-LD and DOM strategies
// find nothing usable in a page.
var ErrNoStructuredData = errors.New("no structured data found")

// ErrQuotaExceeded is the control signal that ends crawl expansion. It is not
// a fault: collected work is still validated and emitted.
var ErrQuotaExceeded = errors.New("request quota exceeded")

// DeliveryErrorKind distinguishes a dead sink from a rejecting one.
type DeliveryErrorKind string

const (
	// SinkUnreachable covers transport-level delivery failures.
	SinkUnreachable DeliveryErrorKind = "sink_unreachable"
	// SinkRejected covers non-2xx responses from the sink.
	SinkRejected DeliveryErrorKind = "sink_rejected"
)

// DeliveryError reports a failed sink delivery. It never aborts the run; the
// record falls back to the local buffer.
type DeliveryError struct {
	Kind       DeliveryErrorKind
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("sink delivery failed (%s, status %d)", e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("sink delivery failed (%s)", e.Kind)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
