package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/rentradar/rentradar/internal/metrics"
)

// Emitter delivers validated records to the HTTP sink, falling back to a
// local newline-delimited JSON buffer when the sink is absent or failing.
// A record is never dropped: it lands in exactly one of the two places.
type Emitter struct {
	sinkURL    string
	bufferPath string
	client     *http.Client
	logger     *zap.Logger
	maxRetries uint64
}

// NewEmitter builds an Emitter. An empty sinkURL means buffer-only operation,
// which is a legal standing configuration for offline runs.
func NewEmitter(sinkURL, bufferPath string, client *http.Client, logger *zap.Logger) *Emitter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Emitter{
		sinkURL:    sinkURL,
		bufferPath: bufferPath,
		client:     client,
		logger:     logger,
		maxRetries: 2,
	}
}

// DeliveryResult says where a record ended up.
type DeliveryResult int

const (
	// DeliveredToSink means the sink accepted the record.
	DeliveredToSink DeliveryResult = iota
	// DeliveredToBuffer means the record landed in the local buffer.
	DeliveredToBuffer
)

// Emit sends one record to the sink, buffering it locally if delivery fails,
// and reports where the record landed. The returned error covers only the
// case where both the sink and the buffer failed, which leaves the record
// unplaced.
func (e *Emitter) Emit(ctx context.Context, rec ValidatedRecord) (DeliveryResult, error) {
	if e.sinkURL == "" {
		if err := e.buffer(rec); err != nil {
			return DeliveredToBuffer, err
		}
		metrics.ObserveDelivery("buffered")
		return DeliveredToBuffer, nil
	}
	if err := e.post(ctx, rec); err != nil {
		e.logger.Warn("Sink delivery failed, buffering record",
			zap.String("url", rec.URL),
			zap.Error(err),
		)
		metrics.ObserveDelivery("failed")
		if bufErr := e.buffer(rec); bufErr != nil {
			return DeliveredToBuffer, fmt.Errorf("sink failed and buffer write failed: %w", bufErr)
		}
		metrics.ObserveDelivery("buffered")
		return DeliveredToBuffer, nil
	}
	metrics.ObserveDelivery("delivered")
	return DeliveredToSink, nil
}

// post delivers one record with bounded retries. Transport errors and 5xx
// responses retry with exponential backoff; 4xx responses are permanent
// because resending the same payload cannot change the verdict.
func (e *Emitter) post(ctx context.Context, rec ValidatedRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.sinkURL, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return &DeliveryError{Kind: SinkUnreachable, Err: err}
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(&DeliveryError{Kind: SinkRejected, StatusCode: resp.StatusCode})
		default:
			return &DeliveryError{Kind: SinkRejected, StatusCode: resp.StatusCode}
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(200*time.Millisecond),
			backoff.WithMaxInterval(2*time.Second),
		), e.maxRetries),
		ctx,
	)
	return backoff.Retry(operation, policy)
}

// buffer appends one record to the dead-letter file as a single NDJSON line.
// The file is opened per write with O_APPEND so a crash between records never
// corrupts earlier lines.
func (e *Emitter) buffer(rec ValidatedRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	payload = append(payload, '\n')

	f, err := os.OpenFile(e.bufferPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open buffer %s: %w", e.bufferPath, err)
	}
	defer f.Close()

	if _, err := f.Write(payload); err != nil {
		return fmt.Errorf("append buffer %s: %w", e.bufferPath, err)
	}
	return nil
}
