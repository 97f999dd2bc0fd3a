package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"shopcall-server/pkg/errors"
)

// Config represents the complete application configuration
type Config struct {
	HTTP         HTTPConfig         `json:"http"`
	Logging      LoggingConfig      `json:"logging"`
	Telephony    TelephonyConfig    `json:"telephony"`
	Speech       SpeechConfig       `json:"speech"`
	Conversation ConversationConfig `json:"conversation"`
	Messaging    MessagingConfig    `json:"messaging"`
}

// HTTPConfig holds the HTTP server configuration
type HTTPConfig struct {
	Port          int           `json:"port"`
	ReadTimeout   time.Duration `json:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	EnableMetrics bool          `json:"enable_metrics"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "json" or "text"
}

// TelephonyConfig holds the telephony provider credentials and addressing
type TelephonyConfig struct {
	AccountSID  string `json:"account_sid"`
	AuthToken   string `json:"-"`
	FromNumber  string `json:"from_number"`
	APIBaseURL  string `json:"api_base_url"`
	CallbackURL string `json:"callback_url"` // public base URL for webhooks
}

// SpeechConfig holds the conversational speech AI configuration
type SpeechConfig struct {
	APIKey       string        `json:"-"`
	RealtimeURL  string        `json:"realtime_url"`
	ChatURL      string        `json:"chat_url"`
	ChatModel    string        `json:"chat_model"`
	Voice        string        `json:"voice"`
	Timeout      time.Duration `json:"timeout"`
}

// ConversationConfig bounds the turn-based conversation path
type ConversationConfig struct {
	SoftStepLimit      int `json:"soft_step_limit"`
	HardStepLimit      int `json:"hard_step_limit"`
	MaxTranscriptSize  int `json:"max_transcript_size"`
	BookingResistance  int `json:"booking_resistance"` // declines before accepting a booking
}

// MessagingConfig holds the optional AMQP event fan-out configuration
type MessagingConfig struct {
	AMQPURL   string `json:"-"`
	QueueName string `json:"queue_name"`
	Enabled   bool   `json:"enabled"`
}

// Load reads configuration from environment variables, optionally seeded
// from a .env file.
func Load(logger *logrus.Logger) (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	// Try loading a .env file from the usual locations
	possibleEnvFiles := []string{
		".env",
		"../.env",
		filepath.Join(wd, ".env"),
	}

	var loadedFrom string
	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr == nil {
			if loadErr := godotenv.Load(envFile); loadErr == nil {
				loadedFrom, _ = filepath.Abs(envFile)
				break
			}
		}
	}

	if loadedFrom != "" {
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        loadedFrom,
		}).Info("Loaded .env file")
	} else {
		logger.WithField("working_dir", wd).Debug("No .env file found, using environment variables only")
	}

	config := &Config{}

	if err := loadHTTPConfig(&config.HTTP); err != nil {
		return nil, errors.Wrap(err, "failed to load HTTP configuration")
	}
	if err := loadLoggingConfig(&config.Logging); err != nil {
		return nil, errors.Wrap(err, "failed to load logging configuration")
	}
	if err := loadTelephonyConfig(logger, &config.Telephony); err != nil {
		return nil, errors.Wrap(err, "failed to load telephony configuration")
	}
	if err := loadSpeechConfig(logger, &config.Speech); err != nil {
		return nil, errors.Wrap(err, "failed to load speech configuration")
	}
	if err := loadConversationConfig(&config.Conversation); err != nil {
		return nil, errors.Wrap(err, "failed to load conversation configuration")
	}
	if err := loadMessagingConfig(logger, &config.Messaging); err != nil {
		return nil, errors.Wrap(err, "failed to load messaging configuration")
	}

	if err := validateConfig(config); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}

	return config, nil
}

func loadHTTPConfig(config *HTTPConfig) error {
	config.Port = getEnvInt("HTTP_PORT", 8080)
	config.ReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second)
	config.WriteTimeout = getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second)
	config.EnableMetrics = getEnvBool("ENABLE_METRICS", true)
	return nil
}

func loadLoggingConfig(config *LoggingConfig) error {
	config.Level = getEnv("LOG_LEVEL", "info")
	config.Format = getEnv("LOG_FORMAT", "json")
	return nil
}

func loadTelephonyConfig(logger *logrus.Logger, config *TelephonyConfig) error {
	config.AccountSID = getEnv("TELEPHONY_ACCOUNT_SID", "")
	config.AuthToken = getEnv("TELEPHONY_AUTH_TOKEN", "")
	config.FromNumber = getEnv("TELEPHONY_FROM_NUMBER", "")
	config.APIBaseURL = getEnv("TELEPHONY_API_URL", "https://api.twilio.com")
	config.CallbackURL = strings.TrimRight(getEnv("PUBLIC_CALLBACK_URL", "http://localhost:8080"), "/")

	if config.AccountSID == "" || config.AuthToken == "" || config.FromNumber == "" {
		logger.Warn("Telephony credentials not fully configured, outbound dialing will fail")
	}
	return nil
}

func loadSpeechConfig(logger *logrus.Logger, config *SpeechConfig) error {
	config.APIKey = getEnv("OPENAI_API_KEY", "")
	config.RealtimeURL = getEnv("SPEECH_REALTIME_URL", "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview-2024-10-01")
	config.ChatURL = getEnv("SPEECH_CHAT_URL", "https://api.openai.com/v1/chat/completions")
	config.ChatModel = getEnv("SPEECH_CHAT_MODEL", "gpt-4-turbo-preview")
	config.Voice = getEnv("SPEECH_VOICE", "alloy")
	config.Timeout = getEnvDuration("SPEECH_TIMEOUT", 45*time.Second)

	if config.APIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, speech sessions and scoring judges will fail")
	}
	return nil
}

func loadConversationConfig(config *ConversationConfig) error {
	config.SoftStepLimit = getEnvInt("CONVERSATION_SOFT_STEP_LIMIT", 10)
	config.HardStepLimit = getEnvInt("CONVERSATION_HARD_STEP_LIMIT", 12)
	config.MaxTranscriptSize = getEnvInt("CONVERSATION_MAX_TRANSCRIPT", 20)
	config.BookingResistance = getEnvInt("CONVERSATION_BOOKING_RESISTANCE", 2)
	return nil
}

func loadMessagingConfig(logger *logrus.Logger, config *MessagingConfig) error {
	config.AMQPURL = getEnv("AMQP_URL", "")
	config.QueueName = getEnv("AMQP_QUEUE_NAME", "shopcall_events")
	config.Enabled = config.AMQPURL != ""

	if !config.Enabled {
		logger.Debug("AMQP_URL not set, event publishing disabled")
	}
	return nil
}

func validateConfig(config *Config) error {
	if config.HTTP.Port <= 0 || config.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", config.HTTP.Port)
	}
	if config.Conversation.HardStepLimit < config.Conversation.SoftStepLimit {
		return fmt.Errorf("hard step limit %d below soft step limit %d",
			config.Conversation.HardStepLimit, config.Conversation.SoftStepLimit)
	}
	if config.Conversation.MaxTranscriptSize <= 0 {
		return fmt.Errorf("max transcript size must be positive")
	}
	switch strings.ToLower(config.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format: %s", config.Logging.Format)
	}
	return nil
}

// SetupLogger applies the logging configuration to the given logger
func SetupLogger(logger *logrus.Logger, config *LoggingConfig) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	logger.SetLevel(level)

	if strings.ToLower(config.Format) == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}
