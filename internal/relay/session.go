package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alphame/callbridge/internal/admission"
	"github.com/alphame/callbridge/internal/observability"
	"github.com/alphame/callbridge/internal/protocol"
	"github.com/alphame/callbridge/internal/registry"
	"github.com/alphame/callbridge/internal/sink"
)

// State is the relay session lifecycle phase.
type State string

const (
	StateAwaitingStart State = "awaiting-start"
	StateStreaming     State = "streaming"
	StateClosing       State = "closing"
	StateClosed        State = "closed"
)

const sinkCallTimeout = 5 * time.Second

// Params wires one session's collaborators. Everything is injected; the relay
// owns no process-wide state.
type Params struct {
	Logger          *slog.Logger
	Sink            sink.EventSink
	Metrics         *observability.Metrics
	Registry        *registry.Registry
	Downstream      FrameConn
	Upstream        UpstreamDialer
	UpstreamPermits *admission.Controller
	CallPermit      *admission.Permit
	SessionOptions  protocol.SessionOptions
	AcquireTimeout  time.Duration
}

// Session owns one downstream socket and one upstream socket for the lifetime
// of a single call. Both socket handles are exclusively owned: no other
// component holds a reference to either.
type Session struct {
	logger          *slog.Logger
	sink            sink.EventSink
	metrics         *observability.Metrics
	registry        *registry.Registry
	downstream      FrameConn
	dialer          UpstreamDialer
	upstreamPermits *admission.Controller
	sessionOptions  protocol.SessionOptions
	acquireTimeout  time.Duration

	// id correlates log lines for this session before the start event
	// delivers a call identifier.
	id        string
	createdAt time.Time

	// Mutable state shared by the two forwarding loops. Never touched
	// without mu; streamID is written at most once, by the downstream loop.
	mu          sync.Mutex
	state       State
	callID      string
	streamID    string
	registered  bool
	registryKey string
	rejected    bool
	connectedAt time.Time
	endedAt     time.Time

	upstreamConn   FrameConn
	callPermit     *admission.Permit
	upstreamPermit *admission.Permit

	downWriteMu sync.Mutex
	upWriteMu   sync.Mutex

	// notifications serializes fire-and-forget sink calls so frame
	// forwarding never waits on persistence.
	notifications chan func(context.Context)

	closeOnce  sync.Once
	done       chan struct{}
	workerDone chan struct{}
}

func NewSession(p Params) *Session {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	acquireTimeout := p.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = 5 * time.Second
	}
	id := uuid.NewString()
	return &Session{
		id:              id,
		logger:          logger.With("session_id", id),
		sink:            p.Sink,
		metrics:         p.Metrics,
		registry:        p.Registry,
		downstream:      p.Downstream,
		dialer:          p.Upstream,
		upstreamPermits: p.UpstreamPermits,
		sessionOptions:  p.SessionOptions,
		acquireTimeout:  acquireTimeout,
		callPermit:      p.CallPermit,
		createdAt:       time.Now().UTC(),
		state:           StateAwaitingStart,
		notifications:   make(chan func(context.Context), 256),
		done:            make(chan struct{}),
		workerDone:      make(chan struct{}),
	}
}

// ID is the process-local session identifier, distinct from the provider's
// call identifier.
func (s *Session) ID() string {
	return s.id
}

// CallID returns the identifier captured from the start event, or empty while
// the session is still awaiting it.
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// Done is closed when teardown has completed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// markClosing records that a terminal condition was observed. The closed state
// is only ever set by Teardown.
func (s *Session) markClosing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.state = StateClosing
	}
}

// Teardown releases everything the session holds: both sockets, the admission
// permits, and the registry entry. It may be triggered by either forwarding
// loop, by the session's runner, or by the eviction sweep; concurrent triggers
// collapse into one execution and redundant socket-close errors are ignored.
func (s *Session) Teardown(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		callID := s.callID
		registered := s.registered
		registryKey := s.registryKey
		if !s.connectedAt.IsZero() && s.endedAt.IsZero() {
			s.endedAt = time.Now().UTC()
		}
		upstreamConn := s.upstreamConn
		upstreamPermit := s.upstreamPermit
		s.mu.Unlock()

		_ = s.downstream.Close()
		if upstreamConn != nil {
			_ = upstreamConn.Close()
		}

		upstreamPermit.Release()
		s.callPermit.Release()
		if s.metrics != nil && s.upstreamPermits != nil {
			s.metrics.UpstreamPermits.Set(float64(s.upstreamPermits.Count()))
		}

		if registered && s.registry != nil {
			s.registry.Remove(registryKey)
		}

		s.logger.Info("session closed", "call_id", callID, "reason", reason)
		if s.metrics != nil {
			s.metrics.SessionEvents.WithLabelValues("closed").Inc()
		}
		close(s.done)
	})
}

// finalize emits the terminal sink notification. Called exactly once by the
// runner after both loops have exited and queued notifications have drained.
func (s *Session) finalize() {
	s.mu.Lock()
	callID := s.callID
	rejected := s.rejected
	var (
		duration time.Duration
		known    bool
	)
	if !s.connectedAt.IsZero() && !s.endedAt.IsZero() {
		duration = s.endedAt.Sub(s.connectedAt)
		known = true
	}
	s.mu.Unlock()

	// A session rejected for a duplicate call identifier must not touch the
	// records of the live session that owns the call.
	if callID == "" || rejected {
		return
	}
	if known && s.metrics != nil {
		s.metrics.ObserveCallDuration(duration)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sinkCallTimeout)
	defer cancel()
	if err := s.sink.RecordCallFinalized(ctx, callID, duration, known); err != nil {
		s.logger.Warn("sink finalize failed", "call_id", callID, "error", err)
		if s.metrics != nil {
			s.metrics.SinkFailures.Inc()
		}
	}
}

// notify queues a sink call without blocking the forwarding loop. When the
// queue is saturated the notification is dropped and counted; persistence is
// best effort and must never stall audio.
func (s *Session) notify(what string, fn func(context.Context) error) {
	wrapped := func(ctx context.Context) {
		if err := fn(ctx); err != nil {
			s.logger.Warn("sink call failed", "what", what, "call_id", s.CallID(), "error", err)
			if s.metrics != nil {
				s.metrics.SinkFailures.Inc()
			}
		}
	}
	select {
	case s.notifications <- wrapped:
	default:
		s.logger.Warn("notification queue full, dropping", "what", what)
		if s.metrics != nil {
			s.metrics.SinkFailures.Inc()
		}
	}
}

// notifyWorker drains queued sink calls in order. Runs until the runner
// closes the queue after both forwarding loops have exited.
func (s *Session) notifyWorker() {
	defer close(s.workerDone)
	for fn := range s.notifications {
		ctx, cancel := context.WithTimeout(context.Background(), sinkCallTimeout)
		fn(ctx)
		cancel()
	}
}

func (s *Session) writeDownstream(v any) error {
	s.downWriteMu.Lock()
	defer s.downWriteMu.Unlock()
	return s.downstream.WriteJSON(v)
}

func (s *Session) writeUpstream(v any) error {
	s.upWriteMu.Lock()
	defer s.upWriteMu.Unlock()
	s.mu.Lock()
	conn := s.upstreamConn
	s.mu.Unlock()
	if conn == nil {
		return errUpstreamNotConnected
	}
	return conn.WriteJSON(v)
}
