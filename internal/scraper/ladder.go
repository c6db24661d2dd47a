package scraper

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/rentradar/rentradar/internal/proxy"
)

// Rung pairs a transport with the Navigator that drives it.
type Rung struct {
	Transport proxy.Transport
	Navigator Navigator
}

// Permitter hands out request permits and enforces pacing between them. The
// QuotaGovernor is the production implementation.
type Permitter interface {
	TryAcquire(ctx context.Context) error
}

// FallbackLadder fetches one URL through an ordered list of transports,
// degrading on failure. A timeout retries the same rung once before moving
// on; a block or an unexpected status escalates immediately. Every attempt,
// retries included, consumes one quota permit, so an always-hostile target
// costs a bounded number of requests.
type FallbackLadder struct {
	rungs  []Rung
	quota  Permitter
	logger *zap.Logger
}

// NewFallbackLadder builds a ladder over the given rungs. Rung order is the
// escalation order.
func NewFallbackLadder(rungs []Rung, quota Permitter, logger *zap.Logger) *FallbackLadder {
	return &FallbackLadder{rungs: rungs, quota: quota, logger: logger}
}

// Fetch walks the ladder for one URL. It returns the first successful Page,
// ErrQuotaExceeded if the permit budget runs out mid-ladder, or a FetchError
// wrapping the last attempt's failure once every rung is spent.
func (l *FallbackLadder) Fetch(ctx context.Context, url, marker string) (Page, error) {
	var (
		attempts int
		lastErr  error
	)
	for _, rung := range l.rungs {
		// A rung gets at most two attempts: the second only after a timeout.
		for try := 0; try < 2; try++ {
			if err := l.quota.TryAcquire(ctx); err != nil {
				return Page{}, err
			}
			attempts++

			page, err := rung.Navigator.Navigate(ctx, NavRequest{
				URL:       url,
				Transport: rung.Transport,
				Marker:    marker,
			})
			if err == nil {
				l.logger.Debug("Fetch succeeded",
					zap.String("url", url),
					zap.String("transport", rung.Transport.Label()),
					zap.Int("attempts", attempts),
				)
				return page, nil
			}
			if ctx.Err() != nil {
				return Page{}, ctx.Err()
			}
			lastErr = err

			if IsNavKind(err, NavTimeout) && try == 0 {
				l.logger.Warn("Navigation timed out, retrying same transport",
					zap.String("url", url),
					zap.String("transport", rung.Transport.Label()),
				)
				continue
			}

			l.logger.Warn("Navigation failed, escalating transport",
				zap.String("url", url),
				zap.String("transport", rung.Transport.Label()),
				zap.Error(err),
			)
			break
		}
	}
	return Page{}, &FetchError{URL: url, Attempts: attempts, Last: lastErr}
}

// BuildRungs assembles the escalation order from the resolved proxy transport:
// proxied first when one is configured, then direct, then the mobile host. The
// proxied and direct rungs share the browser navigator; the mobile rung uses
// the static fetcher.
func BuildRungs(t proxy.Transport, browser, static Navigator) []Rung {
	var rungs []Rung
	if t.Mode == proxy.ModeProxied {
		rungs = append(rungs, Rung{Transport: t, Navigator: browser})
	}
	rungs = append(rungs,
		Rung{Transport: proxy.Direct(), Navigator: browser},
		Rung{Transport: proxy.Mobile(), Navigator: static},
	)
	return rungs
}

// IsFetchExhausted reports whether err is a ladder-exhaustion failure.
func IsFetchExhausted(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}
