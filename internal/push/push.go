package push

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Transport represents the long-lived server-push connection. The
// connection is keyed by a client-generated session id, reconnects on
// its own, and surfaces a typed event sequence consumed by a single
// dispatch loop.
type Transport interface {
	// Events returns the stream of decoded push events. The channel is
	// closed when the transport is closed.
	Events() <-chan Event

	// Close tears down the connection and stops reconnecting.
	Close() error

	// Name returns the transport identifier
	Name() string
}

// Kind tags a push event.
type Kind int

const (
	// KindOpen delivers the connection id correlating turns with this
	// client. Re-delivered after every reconnect.
	KindOpen Kind = iota

	// KindProgress carries a true 0-1 completion fraction.
	KindProgress

	// KindNotice carries a side-channel message for the transcript.
	KindNotice
)

// Event is one decoded push-channel event.
type Event struct {
	Kind     Kind
	ClientID string
	Fraction float64
	Level    string
	Text     string
}

// NoticeText returns the notice body prefixed by its severity marker.
func (e Event) NoticeText() string {
	switch e.Level {
	case "error":
		return "❌ " + e.Text
	case "warn":
		return "⚠️ " + e.Text
	default:
		return e.Text
	}
}

// Named events of the push protocol.
const (
	eventOpen      = "open"
	eventProgress  = "progress"
	eventAssistant = "assistant"
)

type openPayload struct {
	ClientID string `json:"client_id"`
}

type noticeItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type pushParams struct {
	Progress json.RawMessage `json:"progress"`
	Level    string          `json:"level"`
	Data     []noticeItem    `json:"data"`
}

type pushPayload struct {
	Progress json.RawMessage `json:"progress"`
	Params   pushParams      `json:"params"`
}

// decodeEvent turns one named push event into a typed Event. Unnamed or
// unknown events and undecodable payloads return ok=false; the push
// channel accepts them without processing.
func decodeEvent(name string, data []byte) (Event, bool) {
	switch name {
	case eventOpen:
		var p openPayload
		if err := json.Unmarshal(data, &p); err != nil || p.ClientID == "" {
			return Event{}, false
		}
		return Event{Kind: KindOpen, ClientID: p.ClientID}, true

	case eventProgress:
		var p pushPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, false
		}
		raw := p.Progress
		if len(raw) == 0 {
			raw = p.Params.Progress
		}
		fraction, ok := numericFraction(raw)
		if !ok {
			return Event{}, false
		}
		return Event{Kind: KindProgress, Fraction: fraction}, true

	case eventAssistant:
		var p pushPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, false
		}
		texts := make([]string, 0, len(p.Params.Data))
		for _, item := range p.Params.Data {
			if item.Type == "text" && item.Text != "" {
				texts = append(texts, item.Text)
			}
		}
		text := strings.TrimSpace(strings.Join(texts, " "))
		if text == "" {
			text = "(message)"
		}
		level := p.Params.Level
		if level == "" {
			level = "info"
		}
		return Event{Kind: KindNotice, Level: level, Text: text}, true

	default:
		return Event{}, false
	}
}

// numericFraction accepts the progress value as a JSON number or a
// numeric string.
func numericFraction(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
