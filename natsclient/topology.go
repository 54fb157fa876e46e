package natsclient

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Logical topic names used for database-side bookkeeping (idempotency ledger
// and consumer progress rows are keyed by these, not by stream names).
const (
	TopicEvents     = "events.raw"
	TopicDeadLetter = "work.dead_letter"
)

// Stream and bucket names.
const (
	StreamWork       = "work"
	StreamDeadLetter = "work-dlq"

	SubjectDeadLetter = "work.dead_letter"

	TagCatalogBucket = "tags"
	TagCatalogKey    = "catalog"
)

// Message header names carried on every event publish.
const (
	HeaderEventType   = "Event-Type"
	HeaderEventSource = "Event-Source"
)

// Retention windows.
const (
	eventRetention      = 7 * 24 * time.Hour
	deadLetterRetention = 30 * 24 * time.Hour
	duplicateWindow     = 2 * time.Minute
)

// EventStream returns the stream name for an event partition. Each partition
// is its own stream so that stream sequences are per-partition offsets,
// matching what the idempotency ledger records.
func EventStream(partition int) string {
	return fmt.Sprintf("events-%d", partition)
}

// EventSubject returns the subject for an event partition.
func EventSubject(partition int) string {
	return fmt.Sprintf("events.raw.%d", partition)
}

// WorkSubject returns the subject for a work type and partition.
func WorkSubject(workType string, partition int) string {
	return fmt.Sprintf("work.%s.%d", workType, partition)
}

// WorkFilter returns the subject filter covering all partitions of a work type.
func WorkFilter(workType string) string {
	return fmt.Sprintf("work.%s.*", workType)
}

// EnsureTopology creates every stream and bucket the pipeline needs. Safe to
// call on every startup.
func (c *Client) EnsureTopology(ctx context.Context, partitions int) error {
	for p := 0; p < partitions; p++ {
		cfg := jetstream.StreamConfig{
			Name:       EventStream(p),
			Subjects:   []string{EventSubject(p)},
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     eventRetention,
			Duplicates: duplicateWindow,
			Storage:    jetstream.FileStorage,
		}
		if err := c.EnsureStream(ctx, cfg); err != nil {
			return err
		}
	}

	workCfg := jetstream.StreamConfig{
		Name: StreamWork,
		Subjects: []string{
			WorkFilter("fetch_link"),
			WorkFilter("enrich_link"),
			WorkFilter("publish_link"),
		},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     eventRetention,
		Duplicates: duplicateWindow,
		Storage:    jetstream.FileStorage,
	}
	if err := c.EnsureStream(ctx, workCfg); err != nil {
		return err
	}

	dlqCfg := jetstream.StreamConfig{
		Name:      StreamDeadLetter,
		Subjects:  []string{SubjectDeadLetter},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    deadLetterRetention,
		Storage:   jetstream.FileStorage,
	}
	if err := c.EnsureStream(ctx, dlqCfg); err != nil {
		return err
	}

	if _, err := c.EnsureKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  TagCatalogBucket,
		History: 1,
	}); err != nil {
		return err
	}

	return nil
}

// DeleteTopology removes every stream and bucket. Used by reset-bus before a
// full replay.
func (c *Client) DeleteTopology(ctx context.Context, partitions int) error {
	for p := 0; p < partitions; p++ {
		if err := c.DeleteStream(ctx, EventStream(p)); err != nil {
			return err
		}
	}
	if err := c.DeleteStream(ctx, StreamWork); err != nil {
		return err
	}
	if err := c.DeleteStream(ctx, StreamDeadLetter); err != nil {
		return err
	}
	return c.DeleteKeyValue(ctx, TagCatalogBucket)
}
