package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values come from environment variables over defaults so the binary runs
// locally with no external services: memory store, in-memory driver index,
// no Kafka.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr      string
	RedisPassword  string
	RedisGeoKey    string
	SearchRadiusKm float64

	KafkaBrokers     []string
	KafkaDriverTopic string
	KafkaEventsTopic string

	PGDSN string
	// SeedFile preloads bookings and drivers when running without Postgres.
	SeedFile string

	FallbackDepth int
	Window        time.Duration
	SweepInterval time.Duration
	SweepGrace    time.Duration

	Voice    VoiceConfig
	WhatsApp WhatsAppConfig

	GoogleMapsAPIKey string
	OSRMEndpoint     string
	DefaultSpeedKmh  float64

	LogLevel      string
	RunMigrations bool
}

type VoiceConfig struct {
	BaseURL    string
	CallPath   string
	APIKey     string
	AgentID    string
	FromNumber string
	Timeout    time.Duration
}

type WhatsAppConfig struct {
	URL      string
	APIKey   string
	Template string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     30 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RedisGeoKey:      "drivers_geo",
		SearchRadiusKm:   25,
		KafkaDriverTopic: "driver-status",
		KafkaEventsTopic: "dispatch-events",
		FallbackDepth:    3,
		Window:           60 * time.Second,
		SweepGrace:       15 * time.Second,
		Voice: VoiceConfig{
			CallPath: "/call",
			Timeout:  10 * time.Second,
		},
		WhatsApp:        WhatsAppConfig{Template: "driver_assigned"},
		DefaultSpeedKmh: 30,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setFloatFromEnv(&cfg.SearchRadiusKm, "DRIVER_SEARCH_RADIUS_KM", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaDriverTopic, "KAFKA_DRIVER_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.SeedFile, "SEED_FILE")

	setIntFromEnv(&cfg.FallbackDepth, "DISPATCH_FALLBACK_DEPTH", &errs)
	setDurationFromEnv(&cfg.Window, "DISPATCH_WINDOW", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "DISPATCH_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.SweepGrace, "DISPATCH_SWEEP_GRACE", &errs)

	setStringFromEnv(&cfg.Voice.BaseURL, "VOICE_API_BASE_URL")
	setStringFromEnv(&cfg.Voice.CallPath, "VOICE_API_CALL_PATH")
	cfg.Voice.APIKey = os.Getenv("VOICE_API_KEY")
	setStringFromEnv(&cfg.Voice.AgentID, "VOICE_AGENT_ID")
	setStringFromEnv(&cfg.Voice.FromNumber, "VOICE_FROM_NUMBER")
	setDurationFromEnv(&cfg.Voice.Timeout, "VOICE_API_TIMEOUT", &errs)

	setStringFromEnv(&cfg.WhatsApp.URL, "WHATSAPP_API_URL")
	cfg.WhatsApp.APIKey = os.Getenv("WHATSAPP_API_KEY")
	setStringFromEnv(&cfg.WhatsApp.Template, "WHATSAPP_TEMPLATE")

	cfg.GoogleMapsAPIKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setFloatFromEnv(&cfg.DefaultSpeedKmh, "DEFAULT_SPEED_KMH", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.FallbackDepth <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_FALLBACK_DEPTH must be > 0"))
	}
	if cfg.Window <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_WINDOW must be > 0"))
	}
	if cfg.SweepInterval < 0 || cfg.SweepGrace < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SWEEP_INTERVAL and DISPATCH_SWEEP_GRACE must be >= 0"))
	}
	if cfg.DefaultSpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_SPEED_KMH must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the driver-status consumer.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroupID  string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	MaxRetries    int
	RetryBackoff  time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-status",
		KafkaGroupID: "dispatch-geo-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		MaxRetries:   3,
		RetryBackoff: 200 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_DRIVER_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP_ID")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.MaxRetries, "CONSUMER_MAX_RETRIES", &errs)
	setDurationFromEnv(&cfg.RetryBackoff, "CONSUMER_RETRY_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("CONSUMER_MAX_RETRIES must be >= 1"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
