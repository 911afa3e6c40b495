package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/alphame/callbridge/internal/policy"
	"github.com/alphame/callbridge/internal/sink"
	"github.com/alphame/callbridge/internal/telephony"
)

type callRequest struct {
	PhoneNumber string `json:"phone_number"`
	Name        string `json:"name,omitempty"`
}

func (s *Server) handleRequestCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if !policy.ValidNumber(req.PhoneNumber) {
		respondError(w, http.StatusBadRequest, "invalid_phone_number",
			"phone number must include country code, e.g. +15551234567")
		return
	}

	s.logger.Info("call requested", "phone_number", req.PhoneNumber, "name", req.Name)

	if s.callPermits.Count() >= s.callPermits.Capacity() {
		respondError(w, http.StatusServiceUnavailable, "capacity_exhausted",
			fmt.Sprintf("maximum concurrent calls (%d) reached, try again in a few minutes", s.callPermits.Capacity()))
		return
	}
	if !s.callPolicy.Authorized(req.PhoneNumber) {
		s.logger.Warn("unauthorized call request", "phone_number", req.PhoneNumber)
		respondError(w, http.StatusForbidden, "not_authorized",
			"this phone number is not authorized for calls")
		return
	}

	recent, err := s.store.HasRecentCall(r.Context(), req.PhoneNumber, s.cfg.CallCooldown)
	if err != nil {
		// Cooldown is advisory; a broken check must not block calls.
		s.logger.Error("recent-call check failed", "error", err)
	}
	if recent {
		respondError(w, http.StatusTooManyRequests, "cooldown",
			fmt.Sprintf("please wait before requesting another call, one call allowed every %s", s.cfg.CallCooldown))
		return
	}

	callID, err := s.dialer.PlaceCall(r.Context(), req.PhoneNumber)
	if err != nil {
		s.logger.Error("outbound call failed", "phone_number", req.PhoneNumber, "error", err)
		switch {
		case errors.Is(err, telephony.ErrRejected):
			respondError(w, http.StatusBadRequest, "call_rejected", err.Error())
		case errors.Is(err, telephony.ErrTransient):
			respondError(w, http.StatusServiceUnavailable, "provider_unavailable", "failed to initiate call, please try again")
		default:
			respondError(w, http.StatusInternalServerError, "call_failed", "failed to initiate call, please try again")
		}
		return
	}

	instructions := s.cfg.Instructions
	if req.Name != "" {
		instructions = fmt.Sprintf("You are calling %s. %s", req.Name, instructions)
	}
	if err := s.store.CreateCallLog(r.Context(), sink.CallSetup{
		CallID:       callID,
		PhoneNumber:  req.PhoneNumber,
		CallerName:   req.Name,
		Direction:    "outbound",
		Voice:        s.cfg.Voice,
		Instructions: instructions,
	}); err != nil {
		s.logger.Error("call log create failed", "call_sid", callID, "error", err)
	}

	s.logger.Info("call initiated", "call_sid", callID, "phone_number", req.PhoneNumber)
	respondJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"message":        "Call initiated successfully! You should receive a call within 30 seconds.",
		"call_sid":       callID,
		"estimated_time": "30 seconds",
		"queue_position": s.callPermits.Count() + 1,
	})
}

// handleIncomingCall answers Twilio's webhook for inbound calls with TwiML
// that bridges the caller into the media-stream endpoint.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	fromNumber := r.PostFormValue("From")
	if fromNumber == "" {
		fromNumber = "Unknown"
	}
	callID := r.PostFormValue("CallSid")
	if callID == "" {
		callID = "Unknown"
	}

	if err := s.store.CreateCallLog(r.Context(), sink.CallSetup{
		CallID:       callID,
		PhoneNumber:  fromNumber,
		Direction:    "inbound",
		Voice:        s.cfg.Voice,
		Instructions: s.cfg.Instructions,
	}); err != nil {
		s.logger.Error("inbound call log create failed", "call_sid", callID, "error", err)
	}
	s.logger.Info("incoming call", "call_sid", callID, "from", fromNumber)

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(telephony.StreamTwiML(s.cfg.PublicDomain)))
}

func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	history, err := s.store.CallHistory(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("call history query failed", "error", err)
		respondError(w, http.StatusInternalServerError, "history_failed", "failed to retrieve call history")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"call_history": history,
		"pagination": map[string]int{
			"limit":          limit,
			"offset":         offset,
			"returned_count": len(history),
		},
		"concurrent_connections": s.callPermits.Count(),
	})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	analytics, err := s.store.CallAnalytics(r.Context())
	if err != nil {
		s.logger.Error("analytics query failed", "error", err)
		respondError(w, http.StatusInternalServerError, "analytics_failed", "failed to retrieve analytics")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"analytics": map[string]any{
			"total_calls":              analytics.TotalCalls,
			"calls_by_status":          analytics.CallsByStatus,
			"average_duration_seconds": analytics.AverageDurationSeconds,
			"recent_calls_24h":         analytics.RecentCalls24h,
			"current_concurrent_calls": s.callPermits.Count(),
			"max_concurrent_calls":     s.callPermits.Capacity(),
		},
	})
}

func (s *Server) handleCallConversation(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callSid")
	if strings.TrimSpace(callID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_call_sid", "missing call sid")
		return
	}

	summary, messages, err := s.store.CallConversation(r.Context(), callID)
	if err != nil {
		if errors.Is(err, sink.ErrCallNotFound) {
			respondError(w, http.StatusNotFound, "call_not_found", "call not found")
			return
		}
		s.logger.Error("conversation query failed", "call_sid", callID, "error", err)
		respondError(w, http.StatusInternalServerError, "conversation_failed", "failed to retrieve conversation")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"call_info":    summary,
		"conversation": messages,
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
