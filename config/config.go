// Package config loads pipeline configuration from the environment. A .env
// file is honored when present so local development matches deployment, where
// the same variables are injected by the supervisor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/c360/lifestream/errors"
)

// Roles a lifestream process can run as.
const (
	RoleOutbox       = "outbox"
	RoleRouter       = "router"
	RoleFetcher      = "fetcher"
	RoleEnricher     = "enricher"
	RolePublisher    = "publisher"
	RoleMaterializer = "materializer"
	RoleGateway      = "gateway"
	RoleAll          = "all"
)

// Roles lists every valid role value.
var Roles = []string{
	RoleOutbox, RoleRouter, RoleFetcher, RoleEnricher,
	RolePublisher, RoleMaterializer, RoleGateway, RoleAll,
}

// Config holds everything a lifestream process needs at startup.
type Config struct {
	// Required infrastructure
	DatabaseURL string
	NATSURLs    []string

	// Optional bus credentials
	NATSUsername string
	NATSPassword string

	// Required for the enricher only
	OpenAIAPIKey string
	OpenAIModel  string

	// Bus topology
	Partitions int

	// Gateway
	HTTPAddr string

	// Outbox
	OutboxBatchSize       int
	OutboxPollInterval    time.Duration
	OutboxMaxConsecutive  int

	// Workers
	FetchTimeout     time.Duration
	FetchUserAgent   string
	EnrichTimeout    time.Duration
	EnrichTextBudget int
	MaxTagHints      int

	// Router retry policy per stage
	MaxAttempts map[string]int

	// Store
	DBMaxConns int32
}

// Load reads configuration from the environment, applying defaults for
// everything optional. It never fails; Validate reports what is missing for a
// given role.
func Load() *Config {
	// Best effort; absence of a .env file is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		NATSURLs:     splitList(getEnv("NATS_URLS", "nats://localhost:4222")),
		NATSUsername: os.Getenv("NATS_USERNAME"),
		NATSPassword: os.Getenv("NATS_PASSWORD"),
		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:  getEnv("OPENAI_MODEL", "gpt-4o-mini"),

		Partitions: getEnvInt("PARTITIONS", 3),
		HTTPAddr:   getEnv("HTTP_ADDR", ":8080"),

		OutboxBatchSize:      getEnvInt("OUTBOX_BATCH_SIZE", 100),
		OutboxPollInterval:   getEnvDuration("OUTBOX_POLL_INTERVAL", 500*time.Millisecond),
		OutboxMaxConsecutive: getEnvInt("OUTBOX_MAX_CONSECUTIVE_FAILURES", 5),

		FetchTimeout:     getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
		FetchUserAgent:   getEnv("FETCH_USER_AGENT", "lifestream-fetcher/1.0"),
		EnrichTimeout:    getEnvDuration("ENRICH_TIMEOUT", 60*time.Second),
		EnrichTextBudget: getEnvInt("ENRICH_TEXT_BUDGET", 32000),
		MaxTagHints:      getEnvInt("ENRICH_MAX_TAG_HINTS", 100),

		MaxAttempts: map[string]int{
			"fetch_link":   getEnvInt("MAX_ATTEMPTS_FETCH", 3),
			"enrich_link":  getEnvInt("MAX_ATTEMPTS_ENRICH", 3),
			"publish_link": getEnvInt("MAX_ATTEMPTS_PUBLISH", 3),
		},

		DBMaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
	}

	return cfg
}

// Validate checks that everything the given role needs is present. A missing
// required input is a fatal startup error.
func (c *Config) Validate(role string) error {
	if !validRole(role) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown role %q (valid: %s)", role, strings.Join(Roles, ", ")))
	}

	if c.DatabaseURL == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate", "DATABASE_URL is required")
	}
	if len(c.NATSURLs) == 0 {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate", "NATS_URLS is required")
	}
	if c.Partitions < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "PARTITIONS must be >= 1")
	}

	if (role == RoleEnricher || role == RoleAll) && c.OpenAIAPIKey == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate",
			"OPENAI_API_KEY is required for the enricher")
	}

	for stage, attempts := range c.MaxAttempts {
		if attempts < 1 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("max attempts for %s must be >= 1", stage))
		}
	}

	return nil
}

// MaxAttemptsFor returns the retry budget for a work stage, defaulting to 3.
func (c *Config) MaxAttemptsFor(stage string) int {
	if n, ok := c.MaxAttempts[stage]; ok && n > 0 {
		return n
	}
	return 3
}

func validRole(role string) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
