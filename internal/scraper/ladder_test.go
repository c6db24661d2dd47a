package scraper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rentradar/rentradar/internal/proxy"
)

// scriptedNavigator replays a fixed sequence of outcomes and records the
// transport used for each attempt.
type scriptedNavigator struct {
	outcomes []error
	calls    []string
	body     []byte
}

func (s *scriptedNavigator) Navigate(_ context.Context, req NavRequest) (Page, error) {
	s.calls = append(s.calls, req.Transport.Label())
	idx := len(s.calls) - 1
	var err error
	if idx < len(s.outcomes) {
		err = s.outcomes[idx]
	}
	if err != nil {
		return Page{}, err
	}
	return Page{URL: req.URL, FinalURL: req.URL, StatusCode: 200, Body: s.body, Transport: req.Transport}, nil
}

type unlimitedPermits struct{ granted int }

func (p *unlimitedPermits) TryAcquire(context.Context) error {
	p.granted++
	return nil
}

type cappedPermits struct {
	remaining int
}

func (p *cappedPermits) TryAcquire(context.Context) error {
	if p.remaining <= 0 {
		return ErrQuotaExceeded
	}
	p.remaining--
	return nil
}

func testRungs(nav Navigator) []Rung {
	proxied := proxy.Transport{Mode: proxy.ModeProxied, Server: "http://p.example:8080"}
	return []Rung{
		{Transport: proxied, Navigator: nav},
		{Transport: proxy.Direct(), Navigator: nav},
		{Transport: proxy.Mobile(), Navigator: nav},
	}
}

func TestLadderFirstRungSucceeds(t *testing.T) {
	nav := &scriptedNavigator{body: []byte("<html></html>")}
	permits := &unlimitedPermits{}
	l := NewFallbackLadder(testRungs(nav), permits, zap.NewNop())

	page, err := l.Fetch(context.Background(), "https://www.zoopla.co.uk/to-rent/details/1", "main")
	require.NoError(t, err)
	assert.Equal(t, 200, page.StatusCode)
	assert.Equal(t, []string{"proxied"}, nav.calls)
	assert.Equal(t, 1, permits.granted)
}

func TestLadderTimeoutRetriesSameRungOnce(t *testing.T) {
	nav := &scriptedNavigator{outcomes: []error{
		&NavigationError{Kind: NavTimeout, URL: "u"},
	}}
	l := NewFallbackLadder(testRungs(nav), &unlimitedPermits{}, zap.NewNop())

	_, err := l.Fetch(context.Background(), "u", "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"proxied", "proxied"}, nav.calls)
}

func TestLadderDoubleTimeoutEscalates(t *testing.T) {
	nav := &scriptedNavigator{outcomes: []error{
		&NavigationError{Kind: NavTimeout, URL: "u"},
		&NavigationError{Kind: NavTimeout, URL: "u"},
	}}
	l := NewFallbackLadder(testRungs(nav), &unlimitedPermits{}, zap.NewNop())

	_, err := l.Fetch(context.Background(), "u", "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"proxied", "proxied", "direct"}, nav.calls)
}

func TestLadderBlockedEscalatesWithoutRetry(t *testing.T) {
	nav := &scriptedNavigator{outcomes: []error{
		&NavigationError{Kind: NavBlocked, URL: "u", StatusCode: 403},
	}}
	l := NewFallbackLadder(testRungs(nav), &unlimitedPermits{}, zap.NewNop())

	_, err := l.Fetch(context.Background(), "u", "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"proxied", "direct"}, nav.calls)
}

func TestLadderExhaustionBoundedOnHostileTarget(t *testing.T) {
	// Always blocked: exactly one attempt per rung, never more.
	nav := &scriptedNavigator{outcomes: []error{
		&NavigationError{Kind: NavBlocked, URL: "u", StatusCode: 403},
		&NavigationError{Kind: NavBlocked, URL: "u", StatusCode: 403},
		&NavigationError{Kind: NavBlocked, URL: "u", StatusCode: 429},
	}}
	permits := &unlimitedPermits{}
	l := NewFallbackLadder(testRungs(nav), permits, zap.NewNop())

	_, err := l.Fetch(context.Background(), "u", "main")
	require.Error(t, err)
	require.True(t, IsFetchExhausted(err))

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 3, fe.Attempts)
	assert.True(t, IsNavKind(fe.Last, NavBlocked))
	assert.Equal(t, []string{"proxied", "direct", "mobile"}, nav.calls)
	assert.Equal(t, 3, permits.granted)
}

func TestLadderQuotaExhaustionMidLadder(t *testing.T) {
	nav := &scriptedNavigator{outcomes: []error{
		&NavigationError{Kind: NavBlocked, URL: "u", StatusCode: 403},
		&NavigationError{Kind: NavBlocked, URL: "u", StatusCode: 403},
	}}
	l := NewFallbackLadder(testRungs(nav), &cappedPermits{remaining: 2}, zap.NewNop())

	_, err := l.Fetch(context.Background(), "u", "main")
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, []string{"proxied", "direct"}, nav.calls)
}

func TestLadderContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	nav := &cancellingNavigator{cancel: cancel}
	l := NewFallbackLadder(testRungs(nav), &unlimitedPermits{}, zap.NewNop())

	_, err := l.Fetch(ctx, "u", "main")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, nav.calls)
}

type cancellingNavigator struct {
	cancel context.CancelFunc
	calls  int
}

func (n *cancellingNavigator) Navigate(context.Context, NavRequest) (Page, error) {
	n.calls++
	n.cancel()
	return Page{}, &NavigationError{Kind: NavTimeout, URL: "u", Err: context.Canceled}
}

func TestBuildRungsWithProxy(t *testing.T) {
	browser := &scriptedNavigator{}
	static := &scriptedNavigator{}
	proxied := proxy.Transport{Mode: proxy.ModeProxied, Server: "http://p.example:8080"}

	rungs := BuildRungs(proxied, browser, static)
	require.Len(t, rungs, 3)
	assert.Equal(t, proxy.ModeProxied, rungs[0].Transport.Mode)
	assert.Equal(t, proxy.ModeDirect, rungs[1].Transport.Mode)
	assert.Equal(t, proxy.ModeMobile, rungs[2].Transport.Mode)
}

func TestBuildRungsWithoutProxy(t *testing.T) {
	browser := &scriptedNavigator{}
	static := &scriptedNavigator{}

	rungs := BuildRungs(proxy.Direct(), browser, static)
	require.Len(t, rungs, 2)
	assert.Equal(t, proxy.ModeDirect, rungs[0].Transport.Mode)
	assert.Equal(t, proxy.ModeMobile, rungs[1].Transport.Mode)
}

func TestLadderElapsedPropagates(t *testing.T) {
	nav := &elapsedNavigator{}
	l := NewFallbackLadder(testRungs(nav), &unlimitedPermits{}, zap.NewNop())

	page, err := l.Fetch(context.Background(), "u", "main")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, page.Elapsed)
}

type elapsedNavigator struct{}

func (elapsedNavigator) Navigate(_ context.Context, req NavRequest) (Page, error) {
	return Page{URL: req.URL, StatusCode: 200, Elapsed: 250 * time.Millisecond, Transport: req.Transport}, nil
}
