package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewSessionUpdateShape(t *testing.T) {
	frame := NewSessionUpdate(SessionOptions{
		Voice:         "sage",
		Instructions:  "be brief",
		Temperature:   0.8,
		AudioFormat:   "g711_ulaw",
		TranscribeSTT: "whisper-1",
	})

	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded["type"] != "session.update" {
		t.Fatalf("type = %v, want session.update", decoded["type"])
	}
	sess, ok := decoded["session"].(map[string]any)
	if !ok {
		t.Fatalf("session payload missing: %s", raw)
	}
	if sess["voice"] != "sage" || sess["input_audio_format"] != "g711_ulaw" || sess["output_audio_format"] != "g711_ulaw" {
		t.Fatalf("unexpected session payload: %v", sess)
	}
	td, ok := sess["turn_detection"].(map[string]any)
	if !ok || td["type"] != "server_vad" {
		t.Fatalf("turn_detection = %v, want server_vad", sess["turn_detection"])
	}
	stt, ok := sess["input_audio_transcription"].(map[string]any)
	if !ok || stt["model"] != "whisper-1" {
		t.Fatalf("input_audio_transcription = %v", sess["input_audio_transcription"])
	}
}

func TestNewSessionUpdateOmitsTranscriptionWhenUnset(t *testing.T) {
	raw, err := json.Marshal(NewSessionUpdate(SessionOptions{Voice: "sage", AudioFormat: "g711_ulaw", Temperature: 0.8}))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	sess := decoded["session"].(map[string]any)
	if _, present := sess["input_audio_transcription"]; present {
		t.Fatalf("input_audio_transcription should be omitted: %s", raw)
	}
}

func TestNewInputAudioAppendShape(t *testing.T) {
	out, err := json.Marshal(NewInputAudioAppend("AAAA"))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"type":"input_audio_buffer.append","audio":"AAAA"}`
	if string(out) != want {
		t.Fatalf("InputAudioAppend JSON = %s, want %s", out, want)
	}
}

func TestParseUpstreamAudioDelta(t *testing.T) {
	parsed, err := ParseUpstream([]byte(`{"type":"response.audio.delta","response_id":"resp_1","delta":"XYZ"}`))
	if err != nil {
		t.Fatalf("ParseUpstream() error = %v", err)
	}
	msg, ok := parsed.(ResponseAudioDelta)
	if !ok {
		t.Fatalf("parsed type = %T, want ResponseAudioDelta", parsed)
	}
	if msg.Delta != "XYZ" || msg.ResponseID != "resp_1" {
		t.Fatalf("unexpected delta frame: %+v", msg)
	}
}

func TestParseUpstreamAudioDeltaRequiresDelta(t *testing.T) {
	if _, err := ParseUpstream([]byte(`{"type":"response.audio.delta"}`)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("ParseUpstream() error = %v, want ErrMalformedFrame", err)
	}
}

func TestParseUpstreamError(t *testing.T) {
	parsed, err := ParseUpstream([]byte(`{"type":"error","error":{"code":"rate_limited","message":"slow down"}}`))
	if err != nil {
		t.Fatalf("ParseUpstream() error = %v", err)
	}
	msg, ok := parsed.(UpstreamError)
	if !ok {
		t.Fatalf("parsed type = %T, want UpstreamError", parsed)
	}
	if msg.Error.Code != "rate_limited" || msg.Error.Message != "slow down" {
		t.Fatalf("unexpected error frame: %+v", msg)
	}
}

func TestParseUpstreamTranscriptionCompleted(t *testing.T) {
	raw := []byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello there"}`)
	parsed, err := ParseUpstream(raw)
	if err != nil {
		t.Fatalf("ParseUpstream() error = %v", err)
	}
	msg, ok := parsed.(TranscriptionCompleted)
	if !ok {
		t.Fatalf("parsed type = %T, want TranscriptionCompleted", parsed)
	}
	if msg.Transcript != "hello there" {
		t.Fatalf("Transcript = %q", msg.Transcript)
	}
}

func TestParseUpstreamUnknownTypeIsNotAnError(t *testing.T) {
	parsed, err := ParseUpstream([]byte(`{"type":"rate_limits.updated","rate_limits":[]}`))
	if err != nil {
		t.Fatalf("ParseUpstream() error = %v", err)
	}
	msg, ok := parsed.(UpstreamUnknown)
	if !ok {
		t.Fatalf("parsed type = %T, want UpstreamUnknown", parsed)
	}
	if msg.Type != "rate_limits.updated" {
		t.Fatalf("Type = %q", msg.Type)
	}
}

func TestParseUpstreamRejectsNonJSON(t *testing.T) {
	if _, err := ParseUpstream([]byte("{{")); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("ParseUpstream() error = %v, want ErrMalformedFrame", err)
	}
}
