package push

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// sseRetryDelay is the pause before re-dialing a dropped stream,
// mirroring the browser EventSource default.
const sseRetryDelay = 2 * time.Second

// SSEChannel implements Transport over a Server-Sent Events stream.
// Connection errors are suppressed to debug logs and the channel
// re-dials on its own; the server re-delivers the connection id on
// every open, so nothing is lost across reconnects.
type SSEChannel struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
	events     chan Event
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewSSEChannel connects to baseURL/events keyed by the client-generated
// session id and starts the receive loop.
func NewSSEChannel(baseURL, sessionID string, logger *slog.Logger) (*SSEChannel, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &SSEChannel{
		url: fmt.Sprintf("%s/events?sid=%s",
			strings.TrimSuffix(baseURL, "/"), url.QueryEscape(sessionID)),
		httpClient: &http.Client{Timeout: 0}, // long-lived stream
		logger:     logger,
		events:     make(chan Event, 16),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go c.run(ctx)

	logger.Info("created SSE push channel", "url", c.url)
	return c, nil
}

// Name returns the transport identifier
func (c *SSEChannel) Name() string {
	return "sse"
}

// Events returns the stream of decoded push events.
func (c *SSEChannel) Events() <-chan Event {
	return c.events
}

// Close stops the receive loop and closes the event channel.
func (c *SSEChannel) Close() error {
	c.cancel()
	<-c.done
	return nil
}

func (c *SSEChannel) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	for {
		if err := c.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			// Transient push failures never surface to the user.
			c.logger.Debug("push stream dropped, reconnecting", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sseRetryDelay):
		}
	}
}

// consume dials the stream once and dispatches events until it drops.
func (c *SSEChannel) consume(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push endpoint returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	// SSE framing: "event:" and "data:" field lines, blank line
	// dispatches. Comments and id/retry fields are skipped.
	eventName := ""
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			c.dispatch(ctx, eventName, strings.Join(dataLines, "\n"))
			eventName = ""
			dataLines = nil
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return fmt.Errorf("server closed stream")
}

func (c *SSEChannel) dispatch(ctx context.Context, name, data string) {
	if data == "" {
		return
	}

	evt, ok := decodeEvent(name, []byte(data))
	if !ok {
		// Default/unknown messages are accepted but not processed.
		c.logger.Debug("unhandled push event", "event", name, "data", data)
		return
	}

	select {
	case c.events <- evt:
	case <-ctx.Done():
	}
}
