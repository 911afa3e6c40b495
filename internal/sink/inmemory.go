package sink

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memCall struct {
	summary      CallSummary
	connectedAt  *time.Time
	endedAt      *time.Time
	direction    string
	streamID     string
	errorMessage string
	messages     []LoggedMessage
}

// InMemoryStore keeps call and conversation records in process memory. Used
// when DATABASE_URL is not configured and throughout the test suite.
type InMemoryStore struct {
	mu    sync.RWMutex
	calls map[string]*memCall
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{calls: make(map[string]*memCall)}
}

func (s *InMemoryStore) CreateCallLog(_ context.Context, setup CallSetup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[setup.CallID] = &memCall{
		summary: CallSummary{
			CallID:      setup.CallID,
			PhoneNumber: setup.PhoneNumber,
			CallerName:  setup.CallerName,
			InitiatedAt: time.Now().UTC(),
			Status:      "initiated",
		},
		direction: setup.Direction,
	}
	return nil
}

func (s *InMemoryStore) RecordCallConnected(_ context.Context, callID, streamID string) error {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensureLocked(callID)
	c.summary.Status = "connected"
	c.connectedAt = &now
	c.streamID = streamID
	return nil
}

func (s *InMemoryStore) RecordCallEnded(_ context.Context, callID string) error {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	c.endedAt = &now
	return nil
}

func (s *InMemoryStore) RecordMessage(_ context.Context, callID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	c.messages = append(c.messages, LoggedMessage{
		Timestamp: time.Now().UTC(),
		Speaker:   msg.Speaker,
		Kind:      msg.Kind,
		Text:      msg.Text,
		Metadata:  msg.Metadata,
	})
	switch msg.Speaker {
	case SpeakerAI:
		c.summary.TotalAIResponses++
	case SpeakerUser:
		c.summary.TotalUserInputs++
	}
	return nil
}

func (s *InMemoryStore) RecordCallFinalized(_ context.Context, callID string, duration time.Duration, knownDuration bool) error {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	c.summary.Status = "completed"
	if c.endedAt == nil {
		c.endedAt = &now
	}
	if knownDuration {
		secs := int64(duration / time.Second)
		c.summary.DurationSeconds = &secs
	}
	return nil
}

func (s *InMemoryStore) RecordCallFailed(_ context.Context, callID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	c.summary.Status = "failed"
	c.errorMessage = reason
	return nil
}

func (s *InMemoryStore) HasRecentCall(_ context.Context, phoneNumber string, window time.Duration) (bool, error) {
	cutoff := time.Now().UTC().Add(-window)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.calls {
		if c.summary.PhoneNumber == phoneNumber && c.summary.InitiatedAt.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) CallHistory(_ context.Context, limit, offset int) ([]CallSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	all := make([]CallSummary, 0, len(s.calls))
	for _, c := range s.calls {
		all = append(all, c.summary)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].InitiatedAt.After(all[j].InitiatedAt) })
	if offset >= len(all) {
		return []CallSummary{}, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *InMemoryStore) CallConversation(_ context.Context, callID string) (CallSummary, []LoggedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[callID]
	if !ok {
		return CallSummary{}, nil, ErrCallNotFound
	}
	msgs := make([]LoggedMessage, len(c.messages))
	copy(msgs, c.messages)
	return c.summary, msgs, nil
}

func (s *InMemoryStore) CallAnalytics(_ context.Context) (Analytics, error) {
	cutoff := time.Now().UTC().Add(-24 * time.Hour)

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Analytics{CallsByStatus: make(map[string]int64)}
	var durationSum int64
	var durationCount int64
	for _, c := range s.calls {
		out.TotalCalls++
		out.CallsByStatus[c.summary.Status]++
		if c.summary.DurationSeconds != nil {
			durationSum += *c.summary.DurationSeconds
			durationCount++
		}
		if c.summary.InitiatedAt.After(cutoff) {
			out.RecentCalls24h++
		}
	}
	if durationCount > 0 {
		out.AverageDurationSeconds = float64(durationSum) / float64(durationCount)
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

// ensureLocked returns the record for callID, creating a minimal one for calls
// that connect without having been logged at setup (inbound calls whose
// webhook never reached us). Caller holds s.mu.
func (s *InMemoryStore) ensureLocked(callID string) *memCall {
	c, ok := s.calls[callID]
	if !ok {
		c = &memCall{
			summary: CallSummary{
				CallID:      callID,
				PhoneNumber: "unknown",
				InitiatedAt: time.Now().UTC(),
				Status:      "initiated",
			},
			direction: "inbound",
		}
		s.calls[callID] = c
	}
	return c
}
