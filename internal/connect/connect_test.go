package connect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/neoyarus/prusalink-rz/internal/eventbus"
)

func TestSendEventPostsToEventsEndpointWithHeaders(t *testing.T) {
	var gotPath, gotToken string
	var gotEvent Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("Printer-Token")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotEvent))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-token", nil, nil)
	err := c.SendEvent(context.Background(), Event{Kind: EmitStateChanged, JobID: "job-1"})
	require.NoError(t, err)
	require.Equal(t, "/p/events", gotPath)
	require.Equal(t, "secret-token", gotToken)
	require.Equal(t, EmitStateChanged, gotEvent.Kind)
	require.Equal(t, "job-1", gotEvent.JobID)
}

func TestSendEventRetriesServerErrorsThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", nil, nil)
	c.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Millisecond
		b.MaxElapsedTime = time.Second
		return b
	}
	err := c.SendEvent(context.Background(), Event{Kind: EmitJobInfo})
	require.NoError(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestSendEventPublishesConnectionErrorWhenRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	bus := eventbus.New[ConnectionError]()
	var got []ConnectionError
	bus.Subscribe(func(ce ConnectionError) { got = append(got, ce) })

	c := New(srv.URL, "tok", bus, nil)
	c.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Millisecond
		b.MaxElapsedTime = 20 * time.Millisecond
		return b
	}
	err := c.SendEvent(context.Background(), Event{Kind: EmitFileInfo})
	require.Error(t, err)
	require.Len(t, got, 1)
}

func TestSendEventDoesNotRetryClientErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "bad-token", nil, nil)
	err := c.SendEvent(context.Background(), Event{Kind: EmitStateChanged})
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestPollCommandDecodesQueuedCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/p/command", r.URL.Path)
		json.NewEncoder(w).Encode(CommandRequest{Command: Command{Name: "PAUSE_PRINT"}})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", nil, nil)
	cr, err := c.PollCommand(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cr)
	require.Equal(t, "PAUSE_PRINT", cr.Command.Name)
}

func TestPollCommandNoContentReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", nil, nil)
	cr, err := c.PollCommand(context.Background())
	require.NoError(t, err)
	require.Nil(t, cr)
}
