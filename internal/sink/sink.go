package sink

import (
	"context"
	"errors"
	"time"
)

// Speaker labels who produced a conversation message.
type Speaker string

const (
	SpeakerUser   Speaker = "user"
	SpeakerAI     Speaker = "ai"
	SpeakerSystem Speaker = "system"
)

// MessageKind labels what a conversation message carries.
type MessageKind string

const (
	KindAudio MessageKind = "audio"
	KindText  MessageKind = "text"
	KindEvent MessageKind = "event"
	KindError MessageKind = "error"
)

var ErrCallNotFound = errors.New("call log not found")

// Message is one structured conversation notification. Audio messages carry
// metadata only, never the raw payload.
type Message struct {
	Speaker      Speaker
	Kind         MessageKind
	Text         string
	ResponseType string
	ResponseID   string
	Metadata     map[string]any
}

// EventSink receives structured call and conversation events from the relay.
// Every call is fire-and-forget from the relay's perspective: failures are
// logged at the call site and never abort forwarding.
type EventSink interface {
	RecordCallConnected(ctx context.Context, callID, streamID string) error
	RecordCallEnded(ctx context.Context, callID string) error
	RecordMessage(ctx context.Context, callID string, msg Message) error
	RecordCallFinalized(ctx context.Context, callID string, duration time.Duration, knownDuration bool) error
	RecordCallFailed(ctx context.Context, callID, reason string) error
}

// CallSetup describes a call at creation time, before any socket exists.
type CallSetup struct {
	CallID       string
	PhoneNumber  string
	CallerName   string
	Direction    string
	Voice        string
	Instructions string
}

// CallSummary is one row of call history.
type CallSummary struct {
	CallID           string    `json:"call_sid"`
	PhoneNumber      string    `json:"phone_number"`
	CallerName       string    `json:"caller_name,omitempty"`
	InitiatedAt      time.Time `json:"initiated_at"`
	DurationSeconds  *int64    `json:"duration_seconds"`
	Status           string    `json:"status"`
	TotalAIResponses int       `json:"total_ai_responses"`
	TotalUserInputs  int       `json:"total_user_inputs"`
}

// LoggedMessage is one persisted conversation message.
type LoggedMessage struct {
	Timestamp time.Time      `json:"timestamp"`
	Speaker   Speaker        `json:"speaker"`
	Kind      MessageKind    `json:"message_type"`
	Text      string         `json:"text_content,omitempty"`
	Metadata  map[string]any `json:"message_metadata,omitempty"`
}

// Analytics aggregates call outcomes for the reporting endpoint.
type Analytics struct {
	TotalCalls             int64            `json:"total_calls"`
	CallsByStatus          map[string]int64 `json:"calls_by_status"`
	AverageDurationSeconds float64          `json:"average_duration_seconds"`
	RecentCalls24h         int64            `json:"recent_calls_24h"`
}

// Store is the full persistence surface: the relay-facing sink plus the call
// bookkeeping and reporting queries used by the HTTP API.
type Store interface {
	EventSink

	CreateCallLog(ctx context.Context, setup CallSetup) error
	HasRecentCall(ctx context.Context, phoneNumber string, window time.Duration) (bool, error)
	CallHistory(ctx context.Context, limit, offset int) ([]CallSummary, error)
	CallConversation(ctx context.Context, callID string) (CallSummary, []LoggedMessage, error)
	CallAnalytics(ctx context.Context) (Analytics, error)
	Close() error
}
