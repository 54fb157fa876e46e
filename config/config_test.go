package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/lifestream/errors"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/lifestream")
	t.Setenv("NATS_URLS", "")
	t.Setenv("PARTITIONS", "")

	cfg := Load()

	assert.Equal(t, []string{"nats://localhost:4222"}, cfg.NATSURLs)
	assert.Equal(t, 3, cfg.Partitions)
	assert.Equal(t, 100, cfg.OutboxBatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.OutboxPollInterval)
	assert.Equal(t, 5, cfg.OutboxMaxConsecutive)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 32000, cfg.EnrichTextBudget)
	assert.Equal(t, 100, cfg.MaxTagHints)
	assert.Equal(t, int32(10), cfg.DBMaxConns)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/lifestream")
	t.Setenv("NATS_URLS", "nats://a:4222, nats://b:4222")
	t.Setenv("PARTITIONS", "6")
	t.Setenv("MAX_ATTEMPTS_FETCH", "5")
	t.Setenv("OUTBOX_POLL_INTERVAL", "2s")

	cfg := Load()

	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATSURLs)
	assert.Equal(t, 6, cfg.Partitions)
	assert.Equal(t, 5, cfg.MaxAttemptsFor("fetch_link"))
	assert.Equal(t, 3, cfg.MaxAttemptsFor("enrich_link"))
	assert.Equal(t, 2*time.Second, cfg.OutboxPollInterval)
}

func TestValidateMissingDatabase(t *testing.T) {
	cfg := &Config{NATSURLs: []string{"nats://localhost:4222"}, Partitions: 3,
		MaxAttempts: map[string]int{"fetch_link": 3}}

	err := cfg.Validate(RoleRouter)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
	assert.True(t, errors.IsFatal(err))
}

func TestValidateEnricherNeedsAPIKey(t *testing.T) {
	cfg := &Config{
		DatabaseURL: "postgres://localhost/lifestream",
		NATSURLs:    []string{"nats://localhost:4222"},
		Partitions:  3,
		MaxAttempts: map[string]int{"fetch_link": 3},
	}

	require.NoError(t, cfg.Validate(RoleRouter), "router does not need the model key")

	err := cfg.Validate(RoleEnricher)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestValidateRejectsUnknownRole(t *testing.T) {
	cfg := &Config{
		DatabaseURL: "postgres://localhost/lifestream",
		NATSURLs:    []string{"nats://localhost:4222"},
		Partitions:  3,
	}
	err := cfg.Validate("supervisor")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMaxAttemptsForUnknownStage(t *testing.T) {
	cfg := &Config{MaxAttempts: map[string]int{}}
	assert.Equal(t, 3, cfg.MaxAttemptsFor("mystery"))
}
