package stream

import (
	"encoding/json"
	"fmt"
)

// Channel says where a routed record's delta belongs.
type Channel int

const (
	// ChannelNone marks a record with no type tag; ignored, not an error.
	ChannelNone Channel = iota

	// ChannelFinal marks content for the authoritative answer.
	ChannelFinal

	// ChannelStream marks content for the run log.
	ChannelStream

	// ChannelDone marks the terminal sentinel; the turn is complete.
	ChannelDone
)

// String returns the channel name for logging.
func (c Channel) String() string {
	switch c {
	case ChannelFinal:
		return "final"
	case ChannelStream:
		return "stream"
	case ChannelDone:
		return "done"
	default:
		return "none"
	}
}

// Wire constants of the NDJSON response protocol.
const (
	// finalResultType is the one record type whose deltas form the answer.
	finalResultType = "MagenticFinalResultEvent"

	// doneType terminates a turn; it carries no content.
	doneType = "done"
)

// Routed is the classified form of one decoded record.
type Routed struct {
	Channel Channel
	Delta   string
}

// record is the wire shape of one NDJSON line. Newer backends wrap the
// payload in a response_message envelope; older ones send it bare.
type record struct {
	ResponseMessage json.RawMessage `json:"response_message"`
	Type            string          `json:"type"`
	Delta           json.RawMessage `json:"delta"`
}

// Route classifies one raw text record. It is pure: JSON that does not
// parse returns an error the caller logs and skips (the stream is never
// aborted), a missing type tag routes to ChannelNone, "done" is the
// terminal sentinel, the final-result type feeds the answer, and every
// other tagged record feeds the run log. A missing or non-string delta
// defaults to the empty string.
func Route(line string) (Routed, error) {
	var rec record
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return Routed{}, fmt.Errorf("undecodable record: %w", err)
	}

	if len(rec.ResponseMessage) > 0 && string(rec.ResponseMessage) != "null" {
		var inner record
		if err := json.Unmarshal(rec.ResponseMessage, &inner); err != nil {
			return Routed{}, fmt.Errorf("undecodable response_message envelope: %w", err)
		}
		rec = inner
	}

	switch rec.Type {
	case "":
		return Routed{Channel: ChannelNone}, nil
	case doneType:
		return Routed{Channel: ChannelDone}, nil
	case finalResultType:
		return Routed{Channel: ChannelFinal, Delta: stringDelta(rec.Delta)}, nil
	default:
		return Routed{Channel: ChannelStream, Delta: stringDelta(rec.Delta)}, nil
	}
}

func stringDelta(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		// Non-string deltas are treated as absent.
		return ""
	}
	return s
}
