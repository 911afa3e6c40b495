package httpapi

import (
	"net/http"
	"os"
	"time"
)

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"message":     "AI Voice Assistant API",
		"description": "Backend service for Twilio + OpenAI Realtime voice calls",
		"version":     apiVersion,
		"concurrent_calls": map[string]any{
			"current_active": s.callPermits.Count(),
			"max_allowed":    s.callPermits.Capacity(),
		},
		"database": map[string]any{
			"status": s.databaseStatus(),
		},
		"endpoints": map[string]string{
			"health":        "/health",
			"request_call":  "/api/request-call",
			"call_history":  "/api/call-history",
			"analytics":     "/api/analytics",
			"incoming_call": "/incoming-call",
			"media_stream":  "/media-stream",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	active := s.callPermits.Count()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"concurrent_calls": map[string]any{
			"active_connections": active,
			"max_concurrent":     s.callPermits.Capacity(),
			"can_accept_calls":   active < s.callPermits.Capacity(),
		},
		"services": map[string]string{
			"twilio":   s.twilioStatus(),
			"openai":   s.openaiStatus(),
			"database": s.databaseStatus(),
		},
	})
}

// handleStartup is the liveness probe used before dependencies are reachable.
// It must not touch the database.
func (s *Server) handleStartup(w http.ResponseWriter, _ *http.Request) {
	environment := "local"
	if os.Getenv("K_SERVICE") != "" {
		environment = "cloud_run"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "starting",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"bind_addr":   s.cfg.BindAddr,
		"environment": environment,
	})
}

func (s *Server) twilioStatus() string {
	if s.cfg.TwilioAccountSID != "" && s.cfg.TwilioAuthToken != "" {
		return "connected"
	}
	return "not configured"
}

func (s *Server) openaiStatus() string {
	if s.cfg.OpenAIAPIKey != "" {
		return "configured"
	}
	return "not configured"
}

func (s *Server) databaseStatus() string {
	if s.cfg.DatabaseURL != "" {
		return "connected"
	}
	return "in-memory"
}
