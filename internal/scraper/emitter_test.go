package scraper

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rentradar/rentradar/internal/metrics"
)

func init() {
	metrics.Init()
}

func validated() ValidatedRecord {
	return ValidatedRecord{
		URL:       "https://www.zoopla.co.uk/to-rent/details/123",
		RentPCM:   1200,
		Beds:      3,
		Address:   "123 Fake Street",
		Postcode:  "L12AB",
		RawSource: SourceJSONLD,
		Source:    "zoopla",
		ScrapedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func readBufferLines(t *testing.T, path string) []ValidatedRecord {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []ValidatedRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec ValidatedRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestEmitterDeliversToSink(t *testing.T) {
	var got ValidatedRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	buf := filepath.Join(t.TempDir(), "buffer.ndjson")
	e := NewEmitter(srv.URL, buf, srv.Client(), zap.NewNop())

	res, err := e.Emit(context.Background(), validated())
	require.NoError(t, err)
	assert.Equal(t, DeliveredToSink, res)
	assert.Equal(t, 1200, got.RentPCM)

	_, statErr := os.Stat(buf)
	assert.True(t, os.IsNotExist(statErr), "buffer must stay untouched on success")
}

func TestEmitterBuffersWhenSinkUnreachable(t *testing.T) {
	buf := filepath.Join(t.TempDir(), "buffer.ndjson")
	// Unroutable local port, refused immediately.
	e := NewEmitter("http://127.0.0.1:1/ingest", buf, &http.Client{Timeout: time.Second}, zap.NewNop())

	res, err := e.Emit(context.Background(), validated())
	require.NoError(t, err)
	assert.Equal(t, DeliveredToBuffer, res)

	recs := readBufferLines(t, buf)
	require.Len(t, recs, 1)
	assert.Equal(t, "123 Fake Street", recs[0].Address)
}

func TestEmitterBuffersOn4xxWithoutRetry(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	buf := filepath.Join(t.TempDir(), "buffer.ndjson")
	e := NewEmitter(srv.URL, buf, srv.Client(), zap.NewNop())

	res, err := e.Emit(context.Background(), validated())
	require.NoError(t, err)
	assert.Equal(t, DeliveredToBuffer, res)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "4xx must not be retried")
	assert.Len(t, readBufferLines(t, buf), 1)
}

func TestEmitterRetries5xxThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	buf := filepath.Join(t.TempDir(), "buffer.ndjson")
	e := NewEmitter(srv.URL, buf, srv.Client(), zap.NewNop())

	res, err := e.Emit(context.Background(), validated())
	require.NoError(t, err)
	assert.Equal(t, DeliveredToSink, res)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestEmitterNoSinkConfigured(t *testing.T) {
	buf := filepath.Join(t.TempDir(), "buffer.ndjson")
	e := NewEmitter("", buf, nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		res, err := e.Emit(context.Background(), validated())
		require.NoError(t, err)
		assert.Equal(t, DeliveredToBuffer, res)
	}
	assert.Len(t, readBufferLines(t, buf), 3)
}

func TestEmitterBufferPreservesOrder(t *testing.T) {
	buf := filepath.Join(t.TempDir(), "buffer.ndjson")
	e := NewEmitter("", buf, nil, zap.NewNop())

	for i := 1; i <= 4; i++ {
		rec := validated()
		rec.Beds = i
		_, err := e.Emit(context.Background(), rec)
		require.NoError(t, err)
	}

	recs := readBufferLines(t, buf)
	require.Len(t, recs, 4)
	for i, rec := range recs {
		assert.Equal(t, i+1, rec.Beds)
	}
}
