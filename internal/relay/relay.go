package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alphame/callbridge/internal/policy"
	"github.com/alphame/callbridge/internal/protocol"
	"github.com/alphame/callbridge/internal/reliability"
	"github.com/alphame/callbridge/internal/sink"
)

var (
	errUpstreamNotConnected = errors.New("upstream not connected")

	// ErrUpstreamCapacity means no upstream permit became available before the
	// acquisition deadline.
	ErrUpstreamCapacity = errors.New("upstream capacity exhausted")
)

// Run drives the full lifetime of one call: acquire an upstream permit, dial
// the realtime API, configure it, then pump frames in both directions until
// either socket closes or ctx is cancelled. Run always tears the session down
// before returning and always emits the terminal sink notification last.
func (s *Session) Run(ctx context.Context) error {
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
		defer s.metrics.ActiveSessions.Dec()
		s.metrics.SessionEvents.WithLabelValues("accepted").Inc()
	}

	go s.notifyWorker()
	defer func() {
		// Drain queued notifications first; the finalized record is
		// always the last thing the sink sees for this call.
		close(s.notifications)
		<-s.workerDone
		s.finalize()
	}()

	// Register under the provisional session id immediately so the eviction
	// sweep can reclaim a connection that never sends its start event.
	if s.registry != nil {
		if err := s.registry.InsertKeyed(s.id, s); err != nil {
			s.logger.Warn("provisional registry insert failed", "error", err)
		} else {
			s.mu.Lock()
			s.registered = true
			s.registryKey = s.id
			s.mu.Unlock()
		}
	}

	if err := s.setup(ctx); err != nil {
		s.Teardown(fmt.Sprintf("setup failed: %v", err))
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- s.downstreamLoop() }()
	go func() { errCh <- s.upstreamLoop() }()

	pending := 2
	var cause error
	select {
	case cause = <-errCh:
		pending--
	case <-ctx.Done():
		cause = ctx.Err()
	}

	reason := "session ended"
	if cause != nil {
		reason = cause.Error()
	}
	s.markClosing()
	s.Teardown(reason)

	// Closing the sockets unblocks both loops; wait for every send so no
	// goroutine outlives the session.
	for ; pending > 0; pending-- {
		<-errCh
	}

	if cause != nil && !isExpectedClose(cause) {
		s.mu.Lock()
		callID := s.callID
		rejected := s.rejected
		s.mu.Unlock()
		if callID != "" && !rejected {
			failure := cause.Error()
			s.notify("call failed", func(ctx context.Context) error {
				return s.sink.RecordCallFailed(ctx, callID, failure)
			})
		}
		return cause
	}
	return nil
}

// setup acquires the upstream permit, dials the realtime API and sends the
// one-time session configuration.
func (s *Session) setup(ctx context.Context) error {
	acquireCtx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()
	permit, err := s.upstreamPermits.Acquire(acquireCtx)
	if err != nil {
		if s.metrics != nil {
			s.metrics.AdmissionRejected.Inc()
		}
		return fmt.Errorf("%w: %v", ErrUpstreamCapacity, err)
	}
	s.mu.Lock()
	s.upstreamPermit = permit
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.UpstreamPermits.Set(float64(s.upstreamPermits.Count()))
	}

	conn, err := s.dialer.DialUpstream(ctx)
	if err != nil {
		return fmt.Errorf("dial upstream: %w", err)
	}
	s.mu.Lock()
	s.upstreamConn = conn
	s.mu.Unlock()

	if err := s.writeUpstream(protocol.NewSessionUpdate(s.sessionOptions)); err != nil {
		return fmt.Errorf("send session config: %w", err)
	}
	s.logger.Debug("upstream session configured", "voice", s.sessionOptions.Voice)
	return nil
}

// downstreamLoop reads Twilio frames until the socket closes. It is the only
// writer of callID and streamID.
func (s *Session) downstreamLoop() error {
	for {
		_, raw, err := s.downstream.ReadMessage()
		if err != nil {
			return fmt.Errorf("downstream read: %w", err)
		}

		msg, err := protocol.ParseDownstream(raw)
		if err != nil {
			s.logger.Warn("dropping malformed downstream frame", "call_id", s.CallID(), "error", err)
			s.countDrop("downstream", "malformed")
			continue
		}

		switch frame := msg.(type) {
		case protocol.StreamStart:
			if err := s.handleStart(frame); err != nil {
				return err
			}
		case protocol.StreamMedia:
			if err := s.handleMedia(frame); err != nil {
				return err
			}
		case protocol.StreamStop:
			s.handleStop()
			return nil
		case protocol.StreamUnknown:
			s.logger.Debug("ignoring downstream event", "event", string(frame.Event), "call_id", s.CallID())
		}
	}
}

func (s *Session) handleStart(frame protocol.StreamStart) error {
	callID := frame.Start.CallSID
	streamID := frame.Start.StreamSID

	s.mu.Lock()
	if s.streamID != "" {
		s.mu.Unlock()
		s.logger.Warn("duplicate start event ignored", "call_id", s.CallID())
		return nil
	}
	s.callID = callID
	s.streamID = streamID
	registered := s.registered
	oldKey := s.registryKey
	s.mu.Unlock()

	if s.registry != nil {
		var err error
		if registered {
			err = s.registry.Rekey(oldKey, callID)
		} else {
			err = s.registry.InsertKeyed(callID, s)
		}
		if err != nil {
			// Another live session already owns this call. Its entry
			// stays in place; this session is rejected and must not
			// touch the owner's records.
			s.mu.Lock()
			s.rejected = true
			s.mu.Unlock()
			s.logger.Warn("call already in progress, rejecting session", "call_id", callID, "error", err)
			if s.metrics != nil {
				s.metrics.SessionEvents.WithLabelValues("rejected_duplicate").Inc()
			}
			return fmt.Errorf("register call %s: %w", callID, err)
		}
		s.mu.Lock()
		s.registered = true
		s.registryKey = callID
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.connectedAt = time.Now().UTC()
	s.state = StateStreaming
	s.mu.Unlock()

	s.logger.Info("stream started", "call_id", callID, "stream_id", streamID)
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("stream_started").Inc()
	}
	s.notify("call connected", func(ctx context.Context) error {
		return s.sink.RecordCallConnected(ctx, callID, streamID)
	})
	return nil
}

func (s *Session) handleMedia(frame protocol.StreamMedia) error {
	payload := frame.Media.Payload
	if err := s.writeUpstream(protocol.NewInputAudioAppend(payload)); err != nil {
		return fmt.Errorf("upstream write: %w", err)
	}
	s.countForward("upstream", "audio")

	callID := s.CallID()
	if callID == "" {
		return nil
	}
	s.notify("user audio", func(ctx context.Context) error {
		return s.sink.RecordMessage(ctx, callID, sink.Message{
			Speaker:  sink.SpeakerUser,
			Kind:     sink.KindAudio,
			Metadata: map[string]any{"payload_bytes": len(payload)},
		})
	})
	return nil
}

func (s *Session) handleStop() {
	callID := s.CallID()
	s.logger.Info("stream stopped", "call_id", callID)
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("stream_stopped").Inc()
	}
	s.markClosing()
	if callID == "" {
		return
	}
	s.notify("call ended", func(ctx context.Context) error {
		return s.sink.RecordCallEnded(ctx, callID)
	})
}

// upstreamLoop reads realtime API frames until the socket closes.
func (s *Session) upstreamLoop() error {
	s.mu.Lock()
	conn := s.upstreamConn
	s.mu.Unlock()
	if conn == nil {
		return errUpstreamNotConnected
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("upstream read: %w", err)
		}

		msg, err := protocol.ParseUpstream(raw)
		if err != nil {
			s.logger.Warn("dropping malformed upstream frame", "call_id", s.CallID(), "error", err)
			s.countDrop("upstream", "malformed")
			continue
		}

		switch frame := msg.(type) {
		case protocol.ResponseAudioDelta:
			if err := s.handleAudioDelta(frame); err != nil {
				return err
			}
		case protocol.ResponseAudioDone:
			s.handleAudioDone(frame)
		case protocol.ResponseTextDelta:
			s.handleTextDelta(frame)
		case protocol.UpstreamError:
			s.handleUpstreamError(frame)
		case protocol.SessionCreated:
			s.logger.Debug("upstream session created", "call_id", s.CallID())
		case protocol.TranscriptionCompleted:
			s.handleTranscription(frame)
		case protocol.UpstreamUnknown:
			s.handleUnknownUpstream(frame)
		}
	}
}

func (s *Session) handleAudioDelta(frame protocol.ResponseAudioDelta) error {
	s.mu.Lock()
	streamID := s.streamID
	s.mu.Unlock()

	if streamID == "" {
		// The assistant spoke before Twilio sent its start frame. There
		// is no stream to address the audio to, so the chunk is dropped.
		s.logger.Warn("dropping assistant audio, stream not started", "response_id", frame.ResponseID)
		s.countDrop("downstream", "no_stream")
		return nil
	}

	if err := s.writeDownstream(protocol.NewMediaOut(streamID, frame.Delta)); err != nil {
		return fmt.Errorf("downstream write: %w", err)
	}
	s.countForward("downstream", "audio")
	return nil
}

func (s *Session) handleAudioDone(frame protocol.ResponseAudioDone) {
	callID := s.CallID()
	if callID == "" {
		return
	}
	s.notify("ai audio done", func(ctx context.Context) error {
		return s.sink.RecordMessage(ctx, callID, sink.Message{
			Speaker:    sink.SpeakerAI,
			Kind:       sink.KindAudio,
			ResponseID: frame.ResponseID,
			Metadata:   map[string]any{"event": "audio_turn_complete"},
		})
	})
}

func (s *Session) handleTextDelta(frame protocol.ResponseTextDelta) {
	callID := s.CallID()
	if callID == "" {
		return
	}
	s.notify("ai text", func(ctx context.Context) error {
		return s.sink.RecordMessage(ctx, callID, sink.Message{
			Speaker:    sink.SpeakerAI,
			Kind:       sink.KindText,
			Text:       frame.Delta,
			ResponseID: frame.ResponseID,
		})
	})
}

// handleUpstreamError records an in-band realtime API error. The error frame
// itself never ends the session; only socket failure does.
func (s *Session) handleUpstreamError(frame protocol.UpstreamError) {
	recoverable := reliability.IsRecoverableRealtimeError(frame.Error.Code)
	s.logger.Error("upstream error",
		"call_id", s.CallID(),
		"code", frame.Error.Code,
		"message", frame.Error.Message,
		"recoverable", recoverable)
	if s.metrics != nil {
		s.metrics.RelayErrors.WithLabelValues("upstream", fmt.Sprintf("%t", recoverable)).Inc()
	}

	callID := s.CallID()
	if callID == "" {
		return
	}
	s.notify("upstream error", func(ctx context.Context) error {
		return s.sink.RecordMessage(ctx, callID, sink.Message{
			Speaker: sink.SpeakerSystem,
			Kind:    sink.KindError,
			Text:    frame.Error.Message,
			Metadata: map[string]any{
				"code":        frame.Error.Code,
				"error_type":  frame.Error.Type,
				"recoverable": recoverable,
			},
		})
	})
}

func (s *Session) handleTranscription(frame protocol.TranscriptionCompleted) {
	callID := s.CallID()
	if callID == "" {
		return
	}
	text, redacted := policy.RedactPII(frame.Transcript)
	if redacted {
		s.logger.Debug("transcript redacted", "call_id", callID)
	}
	s.notify("user transcript", func(ctx context.Context) error {
		return s.sink.RecordMessage(ctx, callID, sink.Message{
			Speaker: sink.SpeakerUser,
			Kind:    sink.KindText,
			Text:    text,
		})
	})
}

func (s *Session) handleUnknownUpstream(frame protocol.UpstreamUnknown) {
	s.logger.Debug("unrecognized upstream event", "type", string(frame.Type), "call_id", s.CallID())
	callID := s.CallID()
	if callID == "" {
		return
	}
	eventType := string(frame.Type)
	s.notify("unrecognized event", func(ctx context.Context) error {
		return s.sink.RecordMessage(ctx, callID, sink.Message{
			Speaker:      sink.SpeakerSystem,
			Kind:         sink.KindEvent,
			ResponseType: eventType,
			Metadata:     map[string]any{"event_type": eventType},
		})
	})
}

func (s *Session) countForward(direction, frameType string) {
	if s.metrics != nil {
		s.metrics.FramesForwarded.WithLabelValues(direction, frameType).Inc()
	}
}

func (s *Session) countDrop(direction, reason string) {
	if s.metrics != nil {
		s.metrics.FramesDropped.WithLabelValues(direction, reason).Inc()
	}
}

// isExpectedClose reports whether err is the ordinary end of a call rather
// than a failure worth surfacing to the handler.
func isExpectedClose(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
	}
	return false
}
