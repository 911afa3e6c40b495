package httpapi

import (
	"errors"
	"net/http"

	"github.com/alphame/callbridge/internal/admission"
	"github.com/alphame/callbridge/internal/protocol"
	"github.com/alphame/callbridge/internal/relay"
)

// handleMediaStream accepts one Twilio media-stream connection and bridges it
// to the realtime API for the lifetime of the call. Admission is checked
// before the upgrade so an over-capacity caller gets a plain 503 instead of a
// websocket that closes immediately.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	permit, err := s.callPermits.TryAcquire()
	if err != nil {
		if errors.Is(err, admission.ErrResourceExhausted) {
			if s.metrics != nil {
				s.metrics.AdmissionRejected.Inc()
			}
			s.logger.Warn("media stream rejected, at capacity",
				"active", s.callPermits.Count(), "max", s.callPermits.Capacity())
			respondError(w, http.StatusServiceUnavailable, "capacity_exhausted",
				"maximum concurrent calls reached")
			return
		}
		respondError(w, http.StatusInternalServerError, "admission_failed", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		permit.Release()
		return
	}
	s.logger.Info("media stream connected", "remote", r.RemoteAddr)

	sess := relay.NewSession(relay.Params{
		Logger:          s.logger,
		Sink:            s.store,
		Metrics:         s.metrics,
		Registry:        s.registry,
		Downstream:      conn,
		Upstream:        s.upstream,
		UpstreamPermits: s.upstreamPermits,
		CallPermit:      permit,
		SessionOptions: protocol.SessionOptions{
			Voice:         s.cfg.Voice,
			Instructions:  s.cfg.Instructions,
			Temperature:   s.cfg.Temperature,
			AudioFormat:   s.cfg.AudioFormat,
			TranscribeSTT: s.cfg.TranscribeSTT,
		},
		AcquireTimeout: s.cfg.PermitAcquireTimeout,
	})

	if err := sess.Run(r.Context()); err != nil {
		s.logger.Error("relay session failed", "call_sid", sess.CallID(), "error", err)
	}
}
