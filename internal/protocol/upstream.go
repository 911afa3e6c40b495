package protocol

import (
	"encoding/json"
	"fmt"
)

// UpstreamType identifies realtime API frame variants.
type UpstreamType string

const (
	TypeSessionUpdate      UpstreamType = "session.update"
	TypeSessionCreated     UpstreamType = "session.created"
	TypeInputAudioAppend   UpstreamType = "input_audio_buffer.append"
	TypeResponseAudioDelta UpstreamType = "response.audio.delta"
	TypeResponseAudioDone  UpstreamType = "response.audio.done"
	TypeResponseTextDelta  UpstreamType = "response.text.delta"
	TypeError              UpstreamType = "error"
	TypeTranscriptionDone  UpstreamType = "conversation.item.input_audio_transcription.completed"
)

type upstreamEnvelope struct {
	Type UpstreamType `json:"type"`
}

// SessionOptions configures the upstream realtime session. Sent exactly once,
// at session setup, never per downstream start event.
type SessionOptions struct {
	Voice         string
	Instructions  string
	Temperature   float64
	AudioFormat   string
	TranscribeSTT string
}

// SessionUpdate is the outbound session configuration frame.
type SessionUpdate struct {
	Type    UpstreamType   `json:"type"`
	Session sessionPayload `json:"session"`
}

type sessionPayload struct {
	TurnDetection           turnDetection      `json:"turn_detection"`
	InputAudioFormat        string             `json:"input_audio_format"`
	OutputAudioFormat       string             `json:"output_audio_format"`
	Voice                   string             `json:"voice"`
	Instructions            string             `json:"instructions"`
	Modalities              []string           `json:"modalities"`
	Temperature             float64            `json:"temperature"`
	InputAudioTranscription *transcriptionOpts `json:"input_audio_transcription,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type transcriptionOpts struct {
	Model string `json:"model"`
}

// NewSessionUpdate builds the one-time configuration frame from options.
func NewSessionUpdate(opts SessionOptions) SessionUpdate {
	var stt *transcriptionOpts
	if opts.TranscribeSTT != "" {
		stt = &transcriptionOpts{Model: opts.TranscribeSTT}
	}
	return SessionUpdate{
		Type: TypeSessionUpdate,
		Session: sessionPayload{
			TurnDetection:           turnDetection{Type: "server_vad"},
			InputAudioFormat:        opts.AudioFormat,
			OutputAudioFormat:       opts.AudioFormat,
			Voice:                   opts.Voice,
			Instructions:            opts.Instructions,
			Modalities:              []string{"text", "audio"},
			Temperature:             opts.Temperature,
			InputAudioTranscription: stt,
		},
	}
}

// InputAudioAppend is the outbound append frame carrying one caller audio chunk.
type InputAudioAppend struct {
	Type  UpstreamType `json:"type"`
	Audio string       `json:"audio"`
}

// NewInputAudioAppend wraps a downstream media payload for the upstream socket.
func NewInputAudioAppend(payload string) InputAudioAppend {
	return InputAudioAppend{Type: TypeInputAudioAppend, Audio: payload}
}

// ResponseAudioDelta carries one chunk of synthesized assistant audio.
type ResponseAudioDelta struct {
	Type       UpstreamType `json:"type"`
	ResponseID string       `json:"response_id,omitempty"`
	Delta      string       `json:"delta"`
}

// ResponseAudioDone marks the end of one assistant audio turn.
type ResponseAudioDone struct {
	Type       UpstreamType `json:"type"`
	ResponseID string       `json:"response_id,omitempty"`
}

// ResponseTextDelta carries assistant text, used for logging only.
type ResponseTextDelta struct {
	Type       UpstreamType `json:"type"`
	ResponseID string       `json:"response_id,omitempty"`
	Delta      string       `json:"delta"`
}

// UpstreamError is the realtime API's in-band error frame. It is not by itself
// terminal; the session only ends when the socket does.
type UpstreamError struct {
	Type  UpstreamType `json:"type"`
	Error struct {
		Type    string `json:"type,omitempty"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error"`
}

// SessionCreated acknowledges the upstream session.
type SessionCreated struct {
	Type UpstreamType `json:"type"`
}

// TranscriptionCompleted carries the transcript of one caller utterance.
type TranscriptionCompleted struct {
	Type       UpstreamType `json:"type"`
	Transcript string       `json:"transcript"`
}

// UpstreamUnknown wraps a frame with a type tag the relay has no rule for.
type UpstreamUnknown struct {
	Type UpstreamType
	Raw  json.RawMessage
}

// ParseUpstream decodes one realtime API text frame. Unknown type tags decode
// to UpstreamUnknown rather than an error; only structural failures are errors.
func ParseUpstream(raw []byte) (any, error) {
	var env upstreamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch env.Type {
	case TypeResponseAudioDelta:
		var msg ResponseAudioDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if msg.Delta == "" {
			return nil, fmt.Errorf("%w: audio delta missing payload", ErrMalformedFrame)
		}
		return msg, nil
	case TypeResponseAudioDone:
		var msg ResponseAudioDone
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return msg, nil
	case TypeResponseTextDelta:
		var msg ResponseTextDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return msg, nil
	case TypeError:
		var msg UpstreamError
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return msg, nil
	case TypeSessionCreated:
		var msg SessionCreated
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return msg, nil
	case TypeTranscriptionDone:
		var msg TranscriptionCompleted
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return msg, nil
	default:
		return UpstreamUnknown{Type: env.Type, Raw: json.RawMessage(raw)}, nil
	}
}
