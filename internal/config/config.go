package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default system prompt for the realtime agent. Overridable via AI_INSTRUCTIONS.
const defaultInstructions = "You are an AI agent who handles the introductory call for onboarding " +
	"users onto the platform Alpha.me. Ask pointed, sharp questions the way a top venture " +
	"capitalist would, understand what the caller has achieved and what they want to do next, " +
	"and keep the tone relaxed and conversational. Don't ask too many questions in one response."

// Config contains all runtime settings for the call bridge service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	AllowAnyOrigin   bool

	// PublicDomain is the externally reachable host Twilio connects back to
	// (used to build the wss:// media-stream URL in TwiML).
	PublicDomain string

	OpenAIAPIKey  string
	RealtimeURL   string
	Voice         string
	Instructions  string
	Temperature   float64
	AudioFormat   string
	TranscribeSTT string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioAPIBaseURL string

	MaxConcurrentCalls   int
	MaxUpstreamConns     int
	PermitAcquireTimeout time.Duration
	SessionMaxAge        time.Duration
	SweepInterval        time.Duration
	CallCooldown         time.Duration

	VerifiedPhoneNumbers []string
	AllowAllUSCanada     bool

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", defaultBindAddr()),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "callbridge"),
		LogLevel:         envOrDefault("APP_LOG_LEVEL", "info"),
		PublicDomain:     trimmedEnv("DOMAIN"),
		OpenAIAPIKey:     trimmedEnv("OPENAI_API_KEY"),
		RealtimeURL:      envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview-2024-10-01"),
		Voice:            envOrDefault("AI_VOICE", "sage"),
		Instructions:     envOrDefault("AI_INSTRUCTIONS", defaultInstructions),
		// Twilio media streams carry G.711 mu-law; pass it to the model unchanged.
		AudioFormat:          envOrDefault("AI_AUDIO_FORMAT", "g711_ulaw"),
		TranscribeSTT:        envOrDefault("AI_TRANSCRIPTION_MODEL", "whisper-1"),
		TwilioAccountSID:     trimmedEnv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      trimmedEnv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:     trimmedEnv("PHONE_NUMBER_FROM"),
		TwilioAPIBaseURL:     envOrDefault("TWILIO_API_BASE_URL", "https://api.twilio.com"),
		DatabaseURL:          trimmedEnv("DATABASE_URL"),
		AllowAnyOrigin:       false,
		AllowAllUSCanada:     false,
		Temperature:          0.8,
		MaxConcurrentCalls:   10,
		MaxUpstreamConns:     20,
		PermitAcquireTimeout: 5 * time.Second,
		SessionMaxAge:        30 * time.Minute,
		SweepInterval:        5 * time.Minute,
		CallCooldown:         time.Minute,
		ShutdownTimeout:      15 * time.Second,
	}

	if raw := trimmedEnv("VERIFIED_PHONE_NUMBERS"); raw != "" {
		for _, num := range strings.Split(raw, ",") {
			num = strings.TrimSpace(num)
			if num != "" {
				cfg.VerifiedPhoneNumbers = append(cfg.VerifiedPhoneNumbers, num)
			}
		}
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PermitAcquireTimeout, err = durationFromEnv("APP_PERMIT_ACQUIRE_TIMEOUT", cfg.PermitAcquireTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionMaxAge, err = durationFromEnv("APP_SESSION_MAX_AGE", cfg.SessionMaxAge)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("APP_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.CallCooldown, err = durationFromEnv("APP_CALL_COOLDOWN", cfg.CallCooldown)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentCalls, err = intFromEnv("MAX_CONCURRENT_CALLS", cfg.MaxConcurrentCalls)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxUpstreamConns, err = intFromEnv("MAX_OPENAI_CONNECTIONS", cfg.MaxUpstreamConns)
	if err != nil {
		return Config{}, err
	}
	cfg.Temperature, err = floatFromEnv("AI_TEMPERATURE", cfg.Temperature)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAllUSCanada, err = boolFromEnv("ALLOW_ALL_US_CANADA", cfg.AllowAllUSCanada)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxConcurrentCalls <= 0 {
		return Config{}, fmt.Errorf("MAX_CONCURRENT_CALLS must be positive")
	}
	if cfg.MaxUpstreamConns <= 0 {
		return Config{}, fmt.Errorf("MAX_OPENAI_CONNECTIONS must be positive")
	}
	if cfg.SessionMaxAge < time.Minute {
		return Config{}, fmt.Errorf("APP_SESSION_MAX_AGE must be at least 1m")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("APP_SWEEP_INTERVAL must be positive")
	}
	// The realtime API accepts temperatures in [0.6, 1.2].
	if cfg.Temperature < 0.6 || cfg.Temperature > 1.2 {
		return Config{}, fmt.Errorf("AI_TEMPERATURE must be between 0.6 and 1.2")
	}

	return cfg, nil
}

// MissingRequired lists the environment variables that must be set before the
// service can place or bridge calls. The caller decides whether that is fatal.
func (c Config) MissingRequired() []string {
	var missing []string
	if c.OpenAIAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if c.TwilioAccountSID == "" {
		missing = append(missing, "TWILIO_ACCOUNT_SID")
	}
	if c.TwilioAuthToken == "" {
		missing = append(missing, "TWILIO_AUTH_TOKEN")
	}
	if c.TwilioFromNumber == "" {
		missing = append(missing, "PHONE_NUMBER_FROM")
	}
	return missing
}

func defaultBindAddr() string {
	// Cloud Run style deployments pass PORT instead of a full bind address.
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		return ":" + port
	}
	return ":8080"
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
