package openhab

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ohbridge/internal/logging"
)

func TestSSETransport_ReadsEventData(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/events" {
			http.NotFound(w, r)
			return
		}
		query = r.URL.Query().Get("topics")
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ": keep-alive\n\n")
		_, _ = io.WriteString(w, "event: message\ndata: {\"topic\":\"a\"}\n\n")
		_, _ = io.WriteString(w, "id: 7\n\n")
		_, _ = io.WriteString(w, "data: line one\r\ndata: line two\r\n\r\n")
	}))
	defer srv.Close()

	cfg := configFor(t, srv)
	cfg.Topics = "openhab/items/*"
	conn, err := NewSSETransport(NewClient(cfg, logging.Nop(), nil)).Open(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	data, err := conn.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"topic":"a"}`, string(data))
	assert.Equal(t, "openhab/items/*", query)

	data, err = conn.Next()
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", string(data), "data lines are joined, empty events skipped")

	_, err = conn.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSSETransport_RejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewSSETransport(NewClient(configFor(t, srv), logging.Nop(), nil)).Open(context.Background())
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusUnauthorized, serr.StatusCode)
}

func TestSSETransport_CloseUnblocksNext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	conn, err := NewSSETransport(NewClient(configFor(t, srv), logging.Nop(), nil)).Open(context.Background())
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := conn.Next()
		errs <- err
	}()
	require.NoError(t, conn.Close())

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
}
