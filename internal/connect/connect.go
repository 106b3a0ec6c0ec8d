// Package connect implements the upstream HTTP client (spec.md §4.6):
// the bridge's only outbound network dependency, posting state-change
// events and telemetry to the cloud control service and polling it
// for commands to run against the printer.
//
// Grounded on original_source/old_buddy/input_output/connect_api.py's
// ConnectAPI class (send_dict/send_model/emit_event, the Printer-Token
// and Timestamp headers, posting to /p/events) and on the teacher's
// uplink.go for the single-in-flight-with-retry request shape. The
// class-level connection_error Signal from connect_api.py is replaced
// by an eventbus.Bus handed in at construction, matching the same
// treatment given to state_manager's signal.
package connect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/neoyarus/prusalink-rz/internal/eventbus"
)

// EmitKind names the category of an outgoing Event, mirroring
// connect_api.py's EmitEvents enum.
type EmitKind string

const (
	EmitStateChanged EmitKind = "STATE_CHANGED"
	EmitJobInfo      EmitKind = "JOB_INFO"
	EmitMediumEject  EmitKind = "MEDIUM_EJECTED"
	EmitFileInfo     EmitKind = "FILE_INFO"
)

// Event is one posting to /p/events.
type Event struct {
	Kind  EmitKind       `json:"event"`
	JobID string         `json:"job_id,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// CommandRequest is what GET /p/command returns when the server has
// work for the printer to do.
type CommandRequest struct {
	Command Command `json:"command"`
}

// Command is a single action Connect wants the bridge to carry out.
type Command struct {
	Name string         `json:"command"`
	Args map[string]any `json:"args,omitempty"`
}

// ConnectionError is published whenever a request to Connect finally
// fails: a POST once its retries are exhausted or on a non-retryable
// 4xx response, a command poll on its first transport error.
type ConnectionError struct {
	Err error
	At  time.Time
}

// Client is the bridge's upstream HTTP client.
type Client struct {
	http  *http.Client
	base  string
	token string
	bus   *eventbus.Bus[ConnectionError]
	log   *slog.Logger

	newBackOff func() backoff.BackOff
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithHTTPClient overrides the http.Client used for requests,
// primarily for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a Client targeting baseURL, authenticating with token
// via the Printer-Token header (connect_api.py's own header name).
func New(baseURL, token string, bus *eventbus.Bus[ConnectionError], log *slog.Logger, opts ...Option) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		http:  &http.Client{Timeout: 10 * time.Second},
		base:  baseURL,
		token: token,
		bus:   bus,
		log:   log,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendEvent posts ev to /p/events, retrying transient failures with
// exponential backoff and publishing a ConnectionError once retries
// are exhausted.
func (c *Client) SendEvent(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("connect: marshal event: %w", err)
	}
	return c.postWithRetry(ctx, "/p/events", body)
}

// SendTelemetry posts the given telemetry snapshot to /p/telemetry.
func (c *Client) SendTelemetry(ctx context.Context, telemetry map[string]any) error {
	body, err := json.Marshal(telemetry)
	if err != nil {
		return fmt.Errorf("connect: marshal telemetry: %w", err)
	}
	return c.postWithRetry(ctx, "/p/telemetry", body)
}

func (c *Client) postWithRetry(ctx context.Context, path string, body []byte) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("connect: build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Printer-Token", c.token)
		req.Header.Set("Timestamp", fmt.Sprintf("%d", nowUnix()))

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("connect: %s: %w", path, err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 500 {
			return fmt.Errorf("connect: %s: server error %d", path, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("connect: %s: client error %d", path, resp.StatusCode))
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx))
	if err != nil {
		if c.bus != nil {
			c.bus.Publish(ConnectionError{Err: err, At: time.Unix(nowUnix(), 0)})
		}
		return err
	}
	return nil
}

// PollCommand fetches the next queued command from Connect, if any.
// A nil CommandRequest with a nil error means there is nothing to do
// right now.
func (c *Client) PollCommand(ctx context.Context) (*CommandRequest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/p/command", nil)
	if err != nil {
		return nil, fmt.Errorf("connect: build request: %w", err)
	}
	req.Header.Set("Printer-Token", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		if c.bus != nil {
			c.bus.Publish(ConnectionError{Err: err, At: time.Unix(nowUnix(), 0)})
		}
		return nil, fmt.Errorf("connect: poll command: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("connect: poll command: unexpected status %d", resp.StatusCode)
	}

	var cr CommandRequest
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("connect: decode command: %w", err)
	}
	return &cr, nil
}

// nowUnix is isolated so it is the only place this package calls into
// wall-clock time, keeping the rest of the client trivially testable.
func nowUnix() int64 {
	return time.Now().Unix()
}
