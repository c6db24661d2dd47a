package scraper

import (
	"bytes"
	"net/http"
	"strings"
)

// BlockClassifier decides whether a response is a block page rather than an
// ordinary error. The boundary between "blocked" and "timeout" is pluggable;
// the default treats 403/429 or a known body signature as blocked.
type BlockClassifier interface {
	Blocked(statusCode int, body []byte) bool
}

// SignatureClassifier implements BlockClassifier using status codes plus
// case-insensitive body signatures.
type SignatureClassifier struct {
	signatures [][]byte
}

var defaultBlockSignatures = []string{
	"access denied",
	"request blocked",
	"unusual traffic",
	"are you a robot",
	"captcha",
	"pardon our interruption",
}

// NewSignatureClassifier builds the default classifier, optionally extended
// with extra body signatures.
func NewSignatureClassifier(extra []string) *SignatureClassifier {
	sigs := make([][]byte, 0, len(defaultBlockSignatures)+len(extra))
	for _, s := range defaultBlockSignatures {
		sigs = append(sigs, []byte(s))
	}
	for _, s := range extra {
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			continue
		}
		sigs = append(sigs, []byte(s))
	}
	return &SignatureClassifier{signatures: sigs}
}

// Blocked reports whether the response looks like automated-traffic blocking.
func (c *SignatureClassifier) Blocked(statusCode int, body []byte) bool {
	if statusCode == http.StatusForbidden || statusCode == http.StatusTooManyRequests {
		return true
	}
	if len(body) == 0 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, sig := range c.signatures {
		if bytes.Contains(lower, sig) {
			return true
		}
	}
	return false
}
