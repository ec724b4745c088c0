package push

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDecodeOpenEvent(t *testing.T) {
	evt, ok := decodeEvent("open", []byte(`{"client_id":"abc-123"}`))
	require.True(t, ok)
	assert.Equal(t, KindOpen, evt.Kind)
	assert.Equal(t, "abc-123", evt.ClientID)
}

func TestDecodeOpenEventRejected(t *testing.T) {
	cases := map[string]string{
		"missing id": `{}`,
		"empty id":   `{"client_id":""}`,
		"malformed":  `{`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := decodeEvent("open", []byte(data))
			assert.False(t, ok)
		})
	}
}

func TestDecodeProgressEvent(t *testing.T) {
	cases := map[string]struct {
		data string
		want float64
	}{
		"top-level number":   {`{"progress":0.42}`, 0.42},
		"nested in params":   {`{"params":{"progress":0.9}}`, 0.9},
		"numeric string":     {`{"progress":"0.5"}`, 0.5},
		"top-level precedes": {`{"progress":0.1,"params":{"progress":0.8}}`, 0.1},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			evt, ok := decodeEvent("progress", []byte(tc.data))
			require.True(t, ok)
			assert.Equal(t, KindProgress, evt.Kind)
			assert.InDelta(t, tc.want, evt.Fraction, 1e-9)
		})
	}
}

func TestDecodeProgressEventRejected(t *testing.T) {
	cases := map[string]string{
		"no fraction":        `{}`,
		"non-numeric string": `{"progress":"half"}`,
		"malformed":          `not json`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := decodeEvent("progress", []byte(data))
			assert.False(t, ok)
		})
	}
}

func TestDecodeAssistantEvent(t *testing.T) {
	data := `{"params":{"level":"warn","data":[
		{"type":"text","text":"disk"},
		{"type":"image","text":"ignored"},
		{"type":"text","text":"almost full"}
	]}}`

	evt, ok := decodeEvent("assistant", []byte(data))
	require.True(t, ok)
	assert.Equal(t, KindNotice, evt.Kind)
	assert.Equal(t, "warn", evt.Level)
	assert.Equal(t, "disk almost full", evt.Text)
}

func TestDecodeAssistantEventDefaults(t *testing.T) {
	evt, ok := decodeEvent("assistant", []byte(`{"params":{"data":[]}}`))
	require.True(t, ok)
	assert.Equal(t, "info", evt.Level)
	assert.Equal(t, "(message)", evt.Text)
}

func TestDecodeUnknownEvent(t *testing.T) {
	_, ok := decodeEvent("heartbeat", []byte(`{"ok":true}`))
	assert.False(t, ok)

	_, ok = decodeEvent("", []byte(`{"ok":true}`))
	assert.False(t, ok)
}

func TestNoticeTextSeverityMarkers(t *testing.T) {
	assert.Equal(t, "❌ boom", Event{Level: "error", Text: "boom"}.NoticeText())
	assert.Equal(t, "⚠️ careful", Event{Level: "warn", Text: "careful"}.NoticeText())
	assert.Equal(t, "hello", Event{Level: "info", Text: "hello"}.NoticeText())
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-events:
		require.True(t, ok, "event channel closed early")
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for push event")
		return Event{}
	}
}

func TestSSEChannelDeliversEvents(t *testing.T) {
	sidCh := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sidCh <- r.URL.Query().Get("sid")
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		fmt.Fprint(w, "event: open\ndata: {\"client_id\":\"c1\"}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "event: progress\ndata: {\"progress\":0.25}\n\n")
		fmt.Fprint(w, "event: assistant\ndata: {\"params\":{\"level\":\"error\",\"data\":[{\"type\":\"text\",\"text\":\"oops\"}]}}\n\n")
		fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
		flusher.Flush()

		// Hold the stream open so the channel does not reconnect and
		// re-deliver during the assertions.
		<-r.Context().Done()
	}))
	defer server.Close()

	c, err := NewSSEChannel(server.URL, "session 1", discardLogger())
	require.NoError(t, err)

	open := nextEvent(t, c.Events())
	assert.Equal(t, KindOpen, open.Kind)
	assert.Equal(t, "c1", open.ClientID)

	progress := nextEvent(t, c.Events())
	assert.Equal(t, KindProgress, progress.Kind)
	assert.InDelta(t, 0.25, progress.Fraction, 1e-9)

	notice := nextEvent(t, c.Events())
	assert.Equal(t, KindNotice, notice.Kind)
	assert.Equal(t, "❌ oops", notice.NoticeText())

	require.NoError(t, c.Close())
	_, stillOpen := <-c.Events()
	assert.False(t, stillOpen, "Close drains and closes the event channel")

	assert.Equal(t, "session 1", <-sidCh, "session id is query-escaped and round-trips")
	assert.Equal(t, "sse", c.Name())
}

func TestSSEChannelReconnects(t *testing.T) {
	conns := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns++
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: open\ndata: {\"client_id\":\"conn-%d\"}\n\n", conns)
		// Returning drops the stream and forces a re-dial.
	}))
	defer server.Close()

	c, err := NewSSEChannel(server.URL, "sid", discardLogger())
	require.NoError(t, err)
	defer c.Close()

	first := nextEvent(t, c.Events())
	second := nextEvent(t, c.Events())
	assert.Equal(t, "conn-1", first.ClientID)
	assert.Equal(t, "conn-2", second.ClientID, "connection id re-delivered after reconnect")
}

func TestWebSocketChannelReconnectReleasesGoroutines(t *testing.T) {
	upgrader := websocket.Upgrader{}
	conns := make(chan struct{}, 16)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- struct{}{}
		conn.Close()
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	c, err := NewWebSocketChannel(wsURL, "sid", discardLogger())
	require.NoError(t, err)

	waitDial := func() {
		select {
		case <-conns:
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for a dial")
		}
	}

	waitDial()
	time.Sleep(100 * time.Millisecond)
	baseline := runtime.NumGoroutine()

	// Each dropped connection forces a re-dial; none may leave a
	// goroutine behind.
	for i := 0; i < 3; i++ {
		waitDial()
	}
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline+1
	}, 5*time.Second, 50*time.Millisecond, "goroutines accumulate across reconnects")

	require.NoError(t, c.Close())
}

func TestWebSocketChannelDeliversEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		frames := []string{
			`{"event":"open","data":{"client_id":"ws-1"}}`,
			`not a frame`,
			`{"event":"progress","data":{"params":{"progress":"0.75"}}}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	c, err := NewWebSocketChannel(wsURL, "sid", discardLogger())
	require.NoError(t, err)

	open := nextEvent(t, c.Events())
	assert.Equal(t, KindOpen, open.Kind)
	assert.Equal(t, "ws-1", open.ClientID)

	progress := nextEvent(t, c.Events())
	assert.Equal(t, KindProgress, progress.Kind)
	assert.InDelta(t, 0.75, progress.Fraction, 1e-9)

	require.NoError(t, c.Close())
	_, stillOpen := <-c.Events()
	assert.False(t, stillOpen)
	assert.Equal(t, "websocket", c.Name())
}
