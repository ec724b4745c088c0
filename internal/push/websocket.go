package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketChannel implements Transport over a WebSocket connection for
// deployments that front the push channel with ws:// instead of SSE.
// Frames carry the same named events as the SSE stream:
//
//	{"event": "progress", "data": {...}}
type WebSocketChannel struct {
	url    string
	logger *slog.Logger
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewWebSocketChannel connects to wsURL keyed by the session id and
// starts the receive loop.
func NewWebSocketChannel(wsURL, sessionID string, logger *slog.Logger) (*WebSocketChannel, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &WebSocketChannel{
		url: fmt.Sprintf("%s?sid=%s",
			strings.TrimSuffix(wsURL, "/"), url.QueryEscape(sessionID)),
		logger: logger,
		events: make(chan Event, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go c.run(ctx)

	logger.Info("created WebSocket push channel", "url", c.url)
	return c, nil
}

// Name returns the transport identifier
func (c *WebSocketChannel) Name() string {
	return "websocket"
}

// Events returns the stream of decoded push events.
func (c *WebSocketChannel) Events() <-chan Event {
	return c.events
}

// Close stops the receive loop and closes the event channel.
func (c *WebSocketChannel) Close() error {
	c.cancel()
	<-c.done
	return nil
}

func (c *WebSocketChannel) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	for {
		if err := c.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("push socket dropped, reconnecting", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sseRetryDelay):
		}
	}
}

func (c *WebSocketChannel) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the channel is closed. The watcher exits
	// with its connection so reconnect cycles do not pile up goroutines.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		var frame wsFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.logger.Debug("undecodable push frame", "error", err)
			continue
		}

		evt, ok := decodeEvent(frame.Event, frame.Data)
		if !ok {
			c.logger.Debug("unhandled push event", "event", frame.Event)
			continue
		}

		select {
		case c.events <- evt:
		case <-ctx.Done():
			return nil
		}
	}
}
