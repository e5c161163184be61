// Package config loads the bridge configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/satriahrh/voxbridge/domain/entities"
)

// Config holds the bridge configuration.
type Config struct {
	// Server settings
	Port     string
	LogLevel string

	// Speech service
	RealtimeURL    string
	RealtimeAPIKey string
	RealtimeModel  string
	ConnectTimeout time.Duration

	// Session defaults
	DefaultVoice         string
	DefaultInstructions  string
	DefaultTurnDetection entities.TurnDetectionMode
	SpeechSampleRate     int
	CommitInterval       time.Duration
	FallbackMessage      string
	Language             string

	// Reconnection
	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// Buffers
	InboundQueueDepth      int
	PreconnectBufferFrames int

	// Tools
	ToolTimeout    time.Duration
	ToolPolicyFile string
	MaxPayment     float64

	// Auth
	StreamTokenSecret  string
	StreamTokenTTL     time.Duration
	RequireStreamToken bool

	// Call lifetime
	MaxCallDuration time.Duration
	SweepInterval   time.Duration

	// Optional integrations
	MongoURI                    string
	MongoDatabase               string
	MongoMaxPoolSize            uint64
	MongoMinPoolSize            uint64
	MongoMaxConnIdleTime        time.Duration
	MongoServerSelectionTimeout time.Duration
	MongoConnectTimeout         time.Duration
	RedisAddr                   string
	ProfileCacheTTL             time.Duration
	GeminiAPIKey                string
	GeminiModel                 string
	ElevenLabsAPIKey            string
	ElevenLabsVoiceID           string
	ElevenLabsModelID           string
	GoogleSTTEnabled            bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		RealtimeURL:    getEnv("REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeAPIKey: getEnv("REALTIME_API_KEY", ""),
		RealtimeModel:  getEnv("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		ConnectTimeout: getEnvDuration("CONNECT_TIMEOUT", 30*time.Second),

		DefaultVoice:         getEnv("DEFAULT_VOICE", "alloy"),
		DefaultInstructions:  getEnv("DEFAULT_INSTRUCTIONS", "You are a friendly phone assistant for a local business. Keep answers short."),
		DefaultTurnDetection: entities.TurnDetectionMode(getEnv("DEFAULT_TURN_DETECTION", string(entities.TurnDetectionSemantic))),
		SpeechSampleRate:     getEnvInt("SPEECH_SAMPLE_RATE", 24000),
		CommitInterval:       getEnvDuration("COMMIT_INTERVAL", time.Second),
		FallbackMessage:      getEnv("FALLBACK_MESSAGE", "Sorry, we're having technical difficulties. Please call back in a few minutes."),
		Language:             getEnv("TRANSCRIPTION_LANGUAGE", "en-US"),

		ReconnectMaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 3),
		ReconnectBaseDelay:   getEnvDuration("RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:    getEnvDuration("RECONNECT_MAX_DELAY", 4*time.Second),

		InboundQueueDepth:      getEnvInt("INBOUND_QUEUE_DEPTH", 256),
		PreconnectBufferFrames: getEnvInt("PRECONNECT_BUFFER_FRAMES", 250),

		ToolTimeout:    getEnvDuration("TOOL_TIMEOUT", 10*time.Second),
		ToolPolicyFile: getEnv("TOOL_POLICY_FILE", ""),
		MaxPayment:     getEnvFloat("TOOL_MAX_PAYMENT", 500),

		StreamTokenSecret:  getEnv("STREAM_TOKEN_SECRET", ""),
		StreamTokenTTL:     getEnvDuration("STREAM_TOKEN_TTL", 10*time.Minute),
		RequireStreamToken: getEnvBool("REQUIRE_STREAM_TOKEN", false),

		MaxCallDuration: getEnvDuration("MAX_CALL_DURATION", time.Hour),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", time.Minute),

		MongoURI:      getEnv("MONGODB_URI", ""),
		MongoDatabase: getEnv("MONGODB_DATABASE", "voxbridge"),

		MongoMaxPoolSize:            getEnvUint("MONGODB_MAX_POOL_SIZE", 10),
		MongoMinPoolSize:            getEnvUint("MONGODB_MIN_POOL_SIZE", 1),
		MongoMaxConnIdleTime:        getEnvDuration("MONGODB_MAX_CONN_IDLE_TIME", 30*time.Minute),
		MongoServerSelectionTimeout: getEnvDuration("MONGODB_SERVER_SELECTION_TIMEOUT", 5*time.Second),
		MongoConnectTimeout:         getEnvDuration("MONGODB_CONNECT_TIMEOUT", 10*time.Second),

		RedisAddr:         getEnv("REDIS_ADDR", ""),
		ProfileCacheTTL:   getEnvDuration("PROFILE_CACHE_TTL", 5*time.Minute),
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiModel:       getEnv("GEMINI_MODEL", ""),
		ElevenLabsAPIKey:  getEnv("ELEVEN_LABS_API_KEY", ""),
		ElevenLabsVoiceID: getEnv("ELEVEN_LABS_VOICE_ID", ""),
		ElevenLabsModelID: getEnv("ELEVEN_LABS_MODEL_ID", ""),
		GoogleSTTEnabled:  getEnvBool("GOOGLE_STT_ENABLED", false),
	}
}

// Validate rejects configurations the bridge cannot start with
func (c *Config) Validate() error {
	var errs []error
	if c.RealtimeAPIKey == "" {
		errs = append(errs, errors.New("REALTIME_API_KEY is required"))
	}
	if c.SpeechSampleRate != 16000 && c.SpeechSampleRate != 24000 {
		errs = append(errs, fmt.Errorf("SPEECH_SAMPLE_RATE must be 16000 or 24000, got %d", c.SpeechSampleRate))
	}
	switch c.DefaultTurnDetection {
	case entities.TurnDetectionNone, entities.TurnDetectionFixed, entities.TurnDetectionSemantic:
	default:
		errs = append(errs, fmt.Errorf("invalid DEFAULT_TURN_DETECTION %q", c.DefaultTurnDetection))
	}
	if c.RequireStreamToken && c.StreamTokenSecret == "" {
		errs = append(errs, errors.New("STREAM_TOKEN_SECRET is required when REQUIRE_STREAM_TOKEN is set"))
	}
	if c.ReconnectMaxAttempts < 0 {
		errs = append(errs, errors.New("RECONNECT_MAX_ATTEMPTS must not be negative"))
	}
	if c.MongoMinPoolSize > c.MongoMaxPoolSize {
		errs = append(errs, errors.New("MONGODB_MIN_POOL_SIZE must not exceed MONGODB_MAX_POOL_SIZE"))
	}
	if c.CommitInterval <= 0 {
		errs = append(errs, errors.New("COMMIT_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

// SessionDefaults is the bottom layer of every resolved session config
func (c *Config) SessionDefaults() entities.SessionConfig {
	return entities.SessionConfig{
		Instructions:  c.DefaultInstructions,
		Voice:         c.DefaultVoice,
		TurnDetection: c.DefaultTurnDetection,
		Temperature:   0.8,
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvUint(key string, defaultVal uint64) uint64 {
	if val := os.Getenv(key); val != "" {
		if u, err := strconv.ParseUint(val, 10, 64); err == nil {
			return u
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("1500ms") or bare milliseconds
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(val); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultVal
}
