// Package remote implements the events.Sink that delivers events to the
// remote collector's HTTP ingestion endpoint (internal/collector/rest).
//
// Reconnection uses the same exponential-backoff pattern the teacher's
// internal/transport.GRPCTransport used for its gRPC stream, adapted here to
// retry one POST at a time instead of re-establishing a long-lived stream:
// each Emit call is retried with exponential backoff until it succeeds or the
// retry budget is exhausted. Emit takes no context, so a caller cannot cancel
// a retry loop in progress.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/tracer-cloud/tracer-agent/internal/events"
)

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	defaultMaxElapsedTime = 2 * time.Minute
	defaultRequestTimeout = 10 * time.Second
)

// RunIDFunc returns the currently active run_id, or "" if no run is active.
type RunIDFunc func() string

// Config configures a Sink.
type Config struct {
	// Endpoint is the collector's event-ingestion URL, e.g.
	// "https://collector.example.com/api/v1/events". Required.
	Endpoint string

	// RunID supplies the run_id attached to every outgoing event. Required.
	RunID RunIDFunc

	// HTTPClient is the client used for ingestion requests. Defaults to a
	// client with a 10-second timeout.
	HTTPClient *http.Client

	// InitialBackoff is the starting interval for exponential-backoff
	// retries. Defaults to 500ms when zero.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential-backoff interval. Defaults to 30s
	// when zero.
	MaxBackoff time.Duration

	// MaxElapsedTime bounds how long a single Emit call will keep retrying
	// before giving up and returning an error. Defaults to 2 minutes when
	// zero; a negative value retries forever.
	MaxElapsedTime time.Duration

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxElapsedTime == 0 {
		c.MaxElapsedTime = defaultMaxElapsedTime
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Sink implements events.Sink by POSTing each event as JSON to a collector's
// ingestion endpoint, retrying transient failures with exponential backoff.
type Sink struct {
	cfg Config
}

// New creates a Sink from cfg. Panics if Endpoint or RunID is unset, since
// both are required for every Emit call.
func New(cfg Config) *Sink {
	if cfg.Endpoint == "" {
		panic("remote: Config.Endpoint is required")
	}
	if cfg.RunID == nil {
		panic("remote: Config.RunID is required")
	}
	cfg.applyDefaults()
	return &Sink{cfg: cfg}
}

type ingestPayload struct {
	RunID     string          `json:"run_id"`
	EventID   string          `json:"event_id"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Emit implements events.Sink. It blocks until the event is accepted by the
// collector, all retries are exhausted, or the event cannot be marshalled.
func (s *Sink) Emit(evt events.Event) error {
	runID := s.cfg.RunID()

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("remote: marshal event: %w", err)
	}

	payload := ingestPayload{
		RunID:     runID,
		EventID:   uuid.NewString(),
		Kind:      string(evt.Kind),
		Timestamp: evt.Timestamp,
		Payload:   body,
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("remote: marshal ingest payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = s.cfg.MaxElapsedTime
	if b.MaxElapsedTime < 0 {
		b.MaxElapsedTime = 0 // backoff never stops when MaxElapsedTime is zero
	}

	reqTimeout := s.cfg.HTTPClient.Timeout
	if reqTimeout <= 0 {
		reqTimeout = defaultRequestTimeout
	}

	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), reqTimeout)
		defer cancel()
		return s.post(ctx, reqBody)
	}

	notify := func(err error, wait time.Duration) {
		s.cfg.Logger.Warn("remote sink: delivery failed, retrying",
			slog.Any("error", err), slog.Duration("after", wait))
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return fmt.Errorf("remote: deliver event after retries: %w", err)
	}
	return nil
}

// post performs a single ingestion POST. 4xx responses (other than 429) are
// treated as permanent errors and are not retried; everything else
// (connection failures, 5xx, 429) is retried by the caller's backoff policy.
func (s *Sink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("remote: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("remote: post event: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("remote: collector returned %s", resp.Status)
	default:
		return backoff.Permanent(fmt.Errorf("remote: collector rejected event: %s", resp.Status))
	}
}

var _ events.Sink = (*Sink)(nil)
