package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alphame/callbridge/internal/admission"
	"github.com/alphame/callbridge/internal/config"
	"github.com/alphame/callbridge/internal/httpapi"
	"github.com/alphame/callbridge/internal/observability"
	"github.com/alphame/callbridge/internal/policy"
	"github.com/alphame/callbridge/internal/registry"
	"github.com/alphame/callbridge/internal/relay"
	"github.com/alphame/callbridge/internal/sink"
	"github.com/alphame/callbridge/internal/telephony"
)

func main() {
	callNumber := flag.String("call", "", "place an outbound call to this number on startup, e.g. --call=+18005551212")
	serverOnly := flag.Bool("server-only", false, "run the server without placing a startup call")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if missing := cfg.MissingRequired(); len(missing) > 0 {
		log.Fatalf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := sink.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer store.Close()

	callPermits := admission.NewController(cfg.MaxConcurrentCalls)
	upstreamPermits := admission.NewController(cfg.MaxUpstreamConns)

	sessions := registry.New()
	sessions.SetExpireHook(func(_ registry.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
	})

	upstream := &relay.OpenAIDialer{
		URL:    cfg.RealtimeURL,
		APIKey: cfg.OpenAIAPIKey,
	}
	dialer := telephony.NewDialer(
		cfg.TwilioAccountSID,
		cfg.TwilioAuthToken,
		cfg.TwilioFromNumber,
		cfg.TwilioAPIBaseURL,
		cfg.PublicDomain,
	)

	api := httpapi.New(cfg, logger, store, metrics, sessions,
		callPermits, upstreamPermits, dialer, upstream)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, cfg.SweepInterval, cfg.SessionMaxAge)

	go func() {
		logger.Info("server listening",
			"addr", cfg.BindAddr,
			"max_concurrent_calls", cfg.MaxConcurrentCalls,
			"max_upstream_connections", cfg.MaxUpstreamConns)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	if *callNumber != "" && !*serverOnly {
		go placeStartupCall(runCtx, logger, cfg, store, dialer, *callNumber)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}

// placeStartupCall dials the number passed via --call once the server is up.
func placeStartupCall(ctx context.Context, logger *slog.Logger, cfg config.Config,
	store sink.Store, dialer telephony.CallPlacer, number string) {
	if !policy.ValidNumber(number) {
		logger.Error("startup call number is not E.164", "number", number)
		return
	}
	callPolicy := policy.NewCallPolicy(cfg.VerifiedPhoneNumbers, cfg.AllowAllUSCanada)
	if !callPolicy.Authorized(number) {
		logger.Error("startup call number not authorized", "number", number)
		return
	}

	callID, err := dialer.PlaceCall(ctx, number)
	if err != nil {
		logger.Error("startup call failed", "number", number, "error", err)
		return
	}
	if err := store.CreateCallLog(ctx, sink.CallSetup{
		CallID:       callID,
		PhoneNumber:  number,
		Direction:    "outbound",
		Voice:        cfg.Voice,
		Instructions: cfg.Instructions,
	}); err != nil {
		logger.Error("startup call log failed", "call_sid", callID, "error", err)
	}
	logger.Info("startup call placed", "call_sid", callID, "number", number)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
