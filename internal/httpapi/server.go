package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/alphame/callbridge/internal/admission"
	"github.com/alphame/callbridge/internal/config"
	"github.com/alphame/callbridge/internal/observability"
	"github.com/alphame/callbridge/internal/policy"
	"github.com/alphame/callbridge/internal/registry"
	"github.com/alphame/callbridge/internal/relay"
	"github.com/alphame/callbridge/internal/sink"
	"github.com/alphame/callbridge/internal/telephony"
)

const apiVersion = "1.0.0"

type Server struct {
	cfg             config.Config
	logger          *slog.Logger
	store           sink.Store
	metrics         *observability.Metrics
	registry        *registry.Registry
	callPermits     *admission.Controller
	upstreamPermits *admission.Controller
	dialer          telephony.CallPlacer
	upstream        relay.UpstreamDialer
	callPolicy      *policy.CallPolicy
	upgrader        websocket.Upgrader
}

func New(cfg config.Config, logger *slog.Logger, store sink.Store, metrics *observability.Metrics,
	reg *registry.Registry, callPermits, upstreamPermits *admission.Controller,
	dialer telephony.CallPlacer, upstream relay.UpstreamDialer) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:             cfg,
		logger:          logger,
		store:           store,
		metrics:         metrics,
		registry:        reg,
		callPermits:     callPermits,
		upstreamPermits: upstreamPermits,
		dialer:          dialer,
		upstream:        upstream,
		callPolicy:      policy.NewCallPolicy(cfg.VerifiedPhoneNumbers, cfg.AllowAllUSCanada),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Twilio's media-stream client is not a browser and sends
				// no Origin header. Browser connections must be same-origin
				// unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/startup", s.handleStartup)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/api/request-call", s.handleRequestCall)
	r.Get("/api/call-history", s.handleCallHistory)
	r.Get("/api/analytics", s.handleAnalytics)
	r.Get("/api/call/{callSid}/conversation", s.handleCallConversation)

	r.Post("/incoming-call", s.handleIncomingCall)
	r.Get("/media-stream", s.handleMediaStream)

	return r
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
