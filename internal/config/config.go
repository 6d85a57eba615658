package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	APIToken            string
	LogLevel            string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	DBMaxConns          int
	Port                string

	GoogleClientID       string
	GoogleClientSecret   string
	GoogleRedirectURL    string
	MicrosoftClientID    string
	MicrosoftSecret      string
	MicrosoftRedirectURL string
	MicrosoftTenant      string

	PubSubProjectID    string
	PubSubTopic        string
	PubSubSubscription string

	// FetchInterval is the minimum spacing between per-message provider calls for one account.
	FetchInterval        time.Duration
	ManualBatchSize      int
	ThreadWindow         time.Duration
	ThreadMinConfidence  float64
	GmailDailyQuota      int
	GmailQuotaMargin     int
	HistoryBatchSize     int
	WatchRenewalInterval time.Duration
	IMAPMaxWorkers       int
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MARKETDESK_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			log.Warn().Msg(".env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("MARKETDESK_ENCRYPTION_KEY"),
		APIToken:            os.Getenv("MARKETDESK_API_TOKEN"),
		LogLevel:            getEnvOrDefault("MARKETDESK_LOG_LEVEL", "info"),
		DBHost:              getEnvOrDefault("MARKETDESK_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("MARKETDESK_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("MARKETDESK_DB_USER", "marketdesk"),
		DBPassword:          os.Getenv("MARKETDESK_DB_PASSWORD"),
		DBName:              getEnvOrDefault("MARKETDESK_DB_NAME", "marketdesk"),
		DBSSLMode:           getEnvOrDefault("MARKETDESK_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "8080"),

		GoogleClientID:       os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:   os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURL:    os.Getenv("GOOGLE_REDIRECT_URL"),
		MicrosoftClientID:    os.Getenv("MICROSOFT_CLIENT_ID"),
		MicrosoftSecret:      os.Getenv("MICROSOFT_CLIENT_SECRET"),
		MicrosoftRedirectURL: os.Getenv("MICROSOFT_REDIRECT_URL"),
		MicrosoftTenant:      getEnvOrDefault("MICROSOFT_TENANT", "common"),

		PubSubProjectID:    os.Getenv("GMAIL_PUBSUB_PROJECT_ID"),
		PubSubTopic:        os.Getenv("GMAIL_PUBSUB_TOPIC"),
		PubSubSubscription: os.Getenv("GMAIL_PUBSUB_SUBSCRIPTION"),
	}

	var err error
	if config.FetchInterval, err = getDurationOrDefault("MARKETDESK_FETCH_INTERVAL", 100*time.Millisecond); err != nil {
		return nil, err
	}
	if config.ManualBatchSize, err = getIntOrDefault("MARKETDESK_MANUAL_BATCH_SIZE", 50); err != nil {
		return nil, err
	}
	if config.ThreadWindow, err = getDurationOrDefault("MARKETDESK_THREAD_WINDOW", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if config.ThreadMinConfidence, err = getFloatOrDefault("MARKETDESK_THREAD_MIN_CONFIDENCE", 0.8); err != nil {
		return nil, err
	}
	if config.GmailDailyQuota, err = getIntOrDefault("MARKETDESK_GMAIL_DAILY_QUOTA", 1_000_000); err != nil {
		return nil, err
	}
	if config.GmailQuotaMargin, err = getIntOrDefault("MARKETDESK_GMAIL_QUOTA_MARGIN", 10_000); err != nil {
		return nil, err
	}
	if config.HistoryBatchSize, err = getIntOrDefault("MARKETDESK_HISTORY_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if config.WatchRenewalInterval, err = getDurationOrDefault("MARKETDESK_WATCH_RENEWAL_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if config.IMAPMaxWorkers, err = getIntOrDefault("MARKETDESK_IMAP_MAX_WORKERS", 3); err != nil {
		return nil, err
	}
	if config.DBMaxConns, err = getIntOrDefault("MARKETDESK_DB_MAX_CONNS", 25); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MARKETDESK_ENCRYPTION_KEY is required")
	}

	key, err := base64.StdEncoding.DecodeString(c.EncryptionKeyBase64)
	if err != nil {
		return fmt.Errorf("MARKETDESK_ENCRYPTION_KEY is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("MARKETDESK_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MARKETDESK_DB_PASSWORD is required")
	}

	if c.GoogleClientID != "" && c.GoogleClientSecret == "" {
		return fmt.Errorf("GOOGLE_CLIENT_SECRET is required when GOOGLE_CLIENT_ID is set")
	}

	if c.MicrosoftClientID != "" && c.MicrosoftSecret == "" {
		return fmt.Errorf("MICROSOFT_CLIENT_SECRET is required when MICROSOFT_CLIENT_ID is set")
	}

	if c.ThreadMinConfidence < 0 || c.ThreadMinConfidence > 1 {
		return fmt.Errorf("MARKETDESK_THREAD_MIN_CONFIDENCE must be between 0 and 1")
	}

	if c.GmailQuotaMargin >= c.GmailDailyQuota && c.GmailDailyQuota > 0 {
		return fmt.Errorf("MARKETDESK_GMAIL_QUOTA_MARGIN must be smaller than MARKETDESK_GMAIL_DAILY_QUOTA")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUsername, c.DBPassword),
		Host:     c.DBHost + ":" + c.DBPort,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

// WatchEnabled reports whether Gmail push notifications are configured.
func (c *Config) WatchEnabled() bool {
	return c.PubSubProjectID != "" && c.PubSubTopic != ""
}

// WatchTopicName is the fully qualified topic Gmail publishes mailbox changes
// to. GMAIL_PUBSUB_TOPIC may hold either the short id or the full name.
func (c *Config) WatchTopicName() string {
	if !c.WatchEnabled() {
		return ""
	}
	if strings.HasPrefix(c.PubSubTopic, "projects/") {
		return c.PubSubTopic
	}
	return "projects/" + c.PubSubProjectID + "/topics/" + c.PubSubTopic
}

// TopicID is the short topic id.
func (c *Config) TopicID() string {
	return c.PubSubTopic[strings.LastIndex(c.PubSubTopic, "/")+1:]
}

// SubscriptionID returns the configured subscription, or "<topic>-sub".
func (c *Config) SubscriptionID() string {
	if c.PubSubSubscription != "" {
		return c.PubSubSubscription
	}
	return c.TopicID() + "-sub"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getFloatOrDefault(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return f, nil
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}
