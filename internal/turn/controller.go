package turn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"StreamChat/internal/progress"
	"StreamChat/internal/stream"
	"StreamChat/internal/transcript"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// State is the completion state of one conversation turn.
type State int

const (
	StateActive State = iota
	StateDone
	StateErrored
	StateCanceled
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	case StateCanceled:
		return "canceled"
	}
	return "unknown"
}

// ErrNoActiveTurn is returned by Cancel when nothing is in flight.
var ErrNoActiveTurn = errors.New("no active turn")

// Turn is one request/response cycle. It owns the cancellation handle
// and the id of the assistant placeholder it is filling in.
type Turn struct {
	targetID string
	cancel   context.CancelFunc
	done     chan struct{}

	mu           sync.Mutex
	state        State
	userCanceled bool
}

// TargetID returns the id of the assistant message this turn fills in.
func (t *Turn) TargetID() string {
	return t.targetID
}

// State returns the turn's completion state.
func (t *Turn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed when the turn reaches a terminal state.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

func (t *Turn) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Turn) markUserCanceled() {
	t.mu.Lock()
	t.userCanceled = true
	t.mu.Unlock()
}

func (t *Turn) wasUserCanceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userCanceled
}

// Controller owns the turn lifecycle: it issues the request, supersedes
// any prior in-flight turn, drives the response body through the line
// decoder and record router, and applies the classified records to the
// transcript. At most one turn is active at a time and no two turns
// ever write to the same message.
type Controller struct {
	store      *transcript.Store
	estimator  *progress.Estimator
	httpClient *http.Client
	baseURL    string
	userID     string
	logger     *slog.Logger
	tracer     trace.Tracer

	recordCounter metric.Int64Counter
	noiseCounter  metric.Int64Counter
	durationHist  metric.Float64Histogram

	mu       sync.Mutex
	active   *Turn
	last     *Turn
	clientID string

	typing atomic.Bool
}

// NewController creates a turn controller for one backend endpoint.
func NewController(store *transcript.Store, estimator *progress.Estimator, baseURL, userID string, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) *Controller {
	c := &Controller{
		store:      store,
		estimator:  estimator,
		httpClient: &http.Client{Timeout: 0}, // streaming body, no deadline
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		userID:     userID,
		logger:     logger,
		tracer:     tracer,
	}

	var err error
	if c.recordCounter, err = meter.Int64Counter("chat.records.routed",
		metric.WithDescription("NDJSON records routed to a channel")); err != nil {
		logger.Warn("failed to create counter", "error", err)
	}
	if c.noiseCounter, err = meter.Int64Counter("chat.records.noise",
		metric.WithDescription("Unparseable NDJSON records dropped")); err != nil {
		logger.Warn("failed to create counter", "error", err)
	}
	if c.durationHist, err = meter.Float64Histogram("chat.turn.duration",
		metric.WithDescription("Turn request duration in milliseconds")); err != nil {
		logger.Warn("failed to create histogram", "error", err)
	}

	return c
}

// SetClientID records the connection id last delivered by the push
// channel; subsequent turns carry it so the server can correlate them.
func (c *Controller) SetClientID(id string) {
	c.mu.Lock()
	c.clientID = id
	c.mu.Unlock()
}

// Typing reports whether an assistant reply is in flight.
func (c *Controller) Typing() bool {
	return c.typing.Load()
}

// StartTurn begins a new request/response cycle for userText. Blank
// input is ignored. Any in-flight turn is canceled first; its network
// resources are released and it applies no further transcript
// mutations. The prior turn's cancellation is issued before the new
// request goes out.
func (c *Controller) StartTurn(ctx context.Context, userText string) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return
	}

	turnCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.active != nil {
		c.active.cancel()
		c.active.setState(StateCanceled)
	}

	placeholder := transcript.NewAssistantPlaceholder()
	c.store.Append(transcript.NewUserMessage(userText))
	c.store.Append(placeholder)

	t := &Turn{
		targetID: placeholder.ID,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	c.active = t
	c.last = t
	clientID := c.clientID
	c.mu.Unlock()

	c.typing.Store(true)
	c.estimator.Start()

	go c.run(turnCtx, t, userText, clientID)
}

// Cancel aborts the in-flight turn the user is watching. Its pending
// placeholder is replaced with a neutral notice.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	t := c.active
	c.mu.Unlock()

	if t == nil {
		return ErrNoActiveTurn
	}
	t.markUserCanceled()
	t.cancel()
	return nil
}

// Wait blocks until the most recently started turn reaches a terminal
// state, and returns it.
func (c *Controller) Wait(ctx context.Context) (*Turn, error) {
	c.mu.Lock()
	t := c.last
	c.mu.Unlock()

	if t == nil {
		return nil, ErrNoActiveTurn
	}
	select {
	case <-t.done:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type turnRequest struct {
	UserQuery string  `json:"user_query"`
	ClientID  *string `json:"client_id"`
}

func (c *Controller) run(ctx context.Context, t *Turn, userText, clientID string) {
	ctx, span := c.tracer.Start(ctx, "conversation_turn")
	defer span.End()

	start := time.Now()
	defer func() {
		if c.durationHist != nil {
			c.durationHist.Record(context.Background(), float64(time.Since(start).Milliseconds()))
		}
	}()

	reqBody := turnRequest{UserQuery: userText}
	if clientID != "" {
		reqBody.ClientID = &clientID
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		c.fail(t, fmt.Sprintf("failed to marshal request: %v", err))
		return
	}

	url := fmt.Sprintf("%s/conversation/%s", c.baseURL, c.userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		c.fail(t, fmt.Sprintf("failed to create request: %v", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			c.discard(t)
			return
		}
		c.fail(t, err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		c.fail(t, fmt.Sprintf("HTTP %d", resp.StatusCode))
		return
	}

	c.readBody(ctx, t, resp.Body)
}

// readBody drives the response body through the line decoder and record
// router, applying classified records in arrival order.
func (c *Controller) readBody(ctx context.Context, t *Turn, body io.Reader) {
	decoder := stream.NewLineDecoder()
	buf := make([]byte, 4096)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, line := range decoder.Write(buf[:n]) {
				if c.apply(ctx, t, line) {
					c.finish(t, StateDone)
					return
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if line, ok := decoder.Flush(); ok {
					if c.apply(ctx, t, line) {
						c.finish(t, StateDone)
						return
					}
				}
				// The stream's natural end counts as completion.
				c.logger.Debug("stream ended without done sentinel", "target", t.targetID)
				c.finish(t, StateDone)
				return
			}
			if ctx.Err() != nil {
				c.discard(t)
				return
			}
			c.fail(t, err.Error())
			return
		}
	}
}

// applyToTarget mutates the turn's target message, but only while the
// turn is still the active one. Holding the controller lock makes the
// check atomic with StartTurn's supersede-then-append section, so a
// superseded turn can never write after its successor's user message
// is in the transcript.
func (c *Controller) applyToTarget(t *Turn, fn func(transcript.Message) transcript.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != t {
		return false
	}
	return c.store.UpdateByID(t.targetID, fn)
}

// apply routes one record and mutates the target message. Returns true
// on the terminal sentinel. A superseded turn applies nothing.
func (c *Controller) apply(ctx context.Context, t *Turn, line string) bool {
	if ctx.Err() != nil {
		return false
	}

	routed, err := stream.Route(line)
	if err != nil {
		// Decode noise is recovered: log, count, keep reading.
		c.logger.Warn("dropping bad NDJSON line", "error", err, "line", line)
		if c.noiseCounter != nil {
			c.noiseCounter.Add(context.Background(), 1)
		}
		return false
	}

	if c.recordCounter != nil && routed.Channel != stream.ChannelNone {
		c.recordCounter.Add(context.Background(), 1)
	}

	switch routed.Channel {
	case stream.ChannelDone:
		return true
	case stream.ChannelFinal:
		c.applyToTarget(t, func(m transcript.Message) transcript.Message {
			return m.AppendFinal(routed.Delta)
		})
		c.estimator.Pulse()
	case stream.ChannelStream:
		if routed.Delta != "" {
			c.applyToTarget(t, func(m transcript.Message) transcript.Message {
				return m.AppendStream(routed.Delta)
			})
		}
		c.estimator.Pulse()
	}
	return false
}

// fail surfaces a transport-level error as the placeholder's content.
// The controller is the only translator from internal failure to
// user-visible message text.
func (c *Controller) fail(t *Turn, summary string) {
	c.applyToTarget(t, func(m transcript.Message) transcript.Message {
		m.Content = "⚠️ Error fetching reply: " + summary
		m.Pending = false
		return m
	})
	c.logger.Error("turn failed", "target", t.targetID, "error", summary)
	c.finish(t, StateErrored)
}

// discard ends a canceled turn. A superseded turn vanishes silently; a
// user-initiated cancel replaces a still-pending placeholder with a
// neutral notice.
func (c *Controller) discard(t *Turn) {
	if t.wasUserCanceled() {
		c.applyToTarget(t, func(m transcript.Message) transcript.Message {
			if m.Pending {
				m.Content = "Request was canceled."
				m.Pending = false
			}
			return m
		})
	}
	c.logger.Info("turn canceled", "target", t.targetID)
	c.finish(t, StateCanceled)
}

// finish moves the turn to a terminal state and, if it is still the
// active one, clears the typing flag and progress indicator. A
// superseded turn must not touch its successor's UI state.
func (c *Controller) finish(t *Turn, state State) {
	t.setState(state)

	c.mu.Lock()
	stillActive := c.active == t
	if stillActive {
		c.active = nil
	}
	c.mu.Unlock()

	if stillActive {
		c.typing.Store(false)
		c.estimator.Stop()
	}

	close(t.done)
}
