package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DownstreamEvent identifies Twilio media-stream frame variants.
type DownstreamEvent string

const (
	EventStart DownstreamEvent = "start"
	EventMedia DownstreamEvent = "media"
	EventStop  DownstreamEvent = "stop"
)

var ErrMalformedFrame = errors.New("malformed frame")

type downstreamEnvelope struct {
	Event DownstreamEvent `json:"event"`
}

// StreamStart is Twilio's stream-start frame. It carries the identifiers the
// relay correlates on for the rest of the call.
type StreamStart struct {
	Event          DownstreamEvent `json:"event"`
	SequenceNumber string          `json:"sequenceNumber,omitempty"`
	Start          struct {
		StreamSID string `json:"streamSid"`
		CallSID   string `json:"callSid"`
		AccountID string `json:"accountSid,omitempty"`
	} `json:"start"`
}

// StreamMedia carries one base64 audio chunk from the caller.
type StreamMedia struct {
	Event          DownstreamEvent `json:"event"`
	SequenceNumber string          `json:"sequenceNumber,omitempty"`
	Media          struct {
		Payload   string `json:"payload"`
		Timestamp string `json:"timestamp,omitempty"`
		Chunk     string `json:"chunk,omitempty"`
	} `json:"media"`
}

// StreamStop signals the end of the media stream. No mandatory payload.
type StreamStop struct {
	Event          DownstreamEvent `json:"event"`
	SequenceNumber string          `json:"sequenceNumber,omitempty"`
}

// StreamUnknown wraps a frame with an event tag the relay has no rule for.
// Twilio also emits "connected" and "mark" frames that fall through to here.
type StreamUnknown struct {
	Event DownstreamEvent
	Raw   json.RawMessage
}

// ParseDownstream decodes one Twilio text frame. Unknown event tags decode to
// StreamUnknown rather than an error; only structural failures are errors.
func ParseDownstream(raw []byte) (any, error) {
	var env downstreamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch env.Event {
	case EventStart:
		var msg StreamStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if msg.Start.StreamSID == "" || msg.Start.CallSID == "" {
			return nil, fmt.Errorf("%w: start frame missing streamSid or callSid", ErrMalformedFrame)
		}
		return msg, nil
	case EventMedia:
		var msg StreamMedia
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if msg.Media.Payload == "" {
			return nil, fmt.Errorf("%w: media frame missing payload", ErrMalformedFrame)
		}
		return msg, nil
	case EventStop:
		var msg StreamStop
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return msg, nil
	default:
		return StreamUnknown{Event: env.Event, Raw: json.RawMessage(raw)}, nil
	}
}

// MediaOut is the frame shape the relay sends back to Twilio when wrapping an
// upstream audio delta under the active stream identifier.
type MediaOut struct {
	Event     DownstreamEvent `json:"event"`
	StreamSID string          `json:"streamSid"`
	Media     MediaOutPayload `json:"media"`
}

type MediaOutPayload struct {
	Payload string `json:"payload"`
}

// NewMediaOut wraps an upstream audio delta for the downstream socket.
func NewMediaOut(streamSID, payload string) MediaOut {
	return MediaOut{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     MediaOutPayload{Payload: payload},
	}
}
