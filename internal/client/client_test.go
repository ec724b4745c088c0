package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"StreamChat/internal/progress"
	"StreamChat/internal/transcript"
	"StreamChat/internal/turn"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mnoop "go.opentelemetry.io/otel/metric/noop"
	tnoop "go.opentelemetry.io/otel/trace/noop"
)

func newTestClient(t *testing.T, baseURL string) *ChatClient {
	t.Helper()

	store := transcript.NewStore()
	estimator := progress.NewEstimator()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracer := tnoop.NewTracerProvider().Tracer("test")
	meter := mnoop.NewMeterProvider().Meter("test")

	return &ChatClient{
		logger:     logger,
		store:      store,
		estimator:  estimator,
		controller: turn.NewController(store, estimator, baseURL, "user-1", logger, tracer, meter),
	}
}

func TestCollectTurnCancelsOnInterrupt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.controller.StartTurn(context.Background(), "question")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := c.collectTurn(ctx)
	require.NotNil(t, got)
	assert.Equal(t, turn.StateCanceled, got.State())

	msg, ok := c.store.Get(got.TargetID())
	require.True(t, ok)
	assert.Equal(t, "Request was canceled.", msg.Content)
}

func TestCollectTurnWhenInterruptRacesCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"type":"MagenticFinalResultEvent","delta":"answer"}`)
		fmt.Fprintln(w, `{"type":"done"}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	c.controller.StartTurn(context.Background(), "question")

	// Let the turn finish before the interrupt lands.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	finished, err := c.controller.Wait(waitCtx)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The finished reply must still come back even though there is
	// nothing left to cancel.
	got := c.collectTurn(ctx)
	require.NotNil(t, got)
	assert.Same(t, finished, got)
	assert.Equal(t, turn.StateDone, got.State())

	msg, ok := c.store.Get(got.TargetID())
	require.True(t, ok)
	assert.Equal(t, "answer", msg.Channels.Final)
}
