package store

import (
	"context"

	"github.com/c360/lifestream/errors"
)

// IsProcessed reports whether the message at (topic, partition, seq) has
// already been projected.
func (q *Queries) IsProcessed(ctx context.Context, topic string, partition int, seq uint64) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM processed_messages
			WHERE topic = $1 AND partition = $2 AND seq = $3
		)`, topic, partition, int64(seq)).Scan(&exists)
	if err != nil {
		return false, errors.WrapTransient(err, "Store", "IsProcessed", topic)
	}
	return exists, nil
}

// MarkProcessed records the message in the idempotency ledger. Inserting an
// existing triple is a no-op so the caller can safely race a replay.
func (q *Queries) MarkProcessed(ctx context.Context, topic string, partition int, seq uint64) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO processed_messages (topic, partition, seq)
		VALUES ($1, $2, $3)
		ON CONFLICT (topic, partition, seq) DO NOTHING`,
		topic, partition, int64(seq))
	if err != nil {
		return errors.WrapTransient(err, "Store", "MarkProcessed", topic)
	}
	return nil
}

// MaxProcessedSeq returns the highest recorded sequence for a partition, or 0
// when nothing has been processed.
func (q *Queries) MaxProcessedSeq(ctx context.Context, topic string, partition int) (uint64, error) {
	var max int64
	err := q.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM processed_messages
		WHERE topic = $1 AND partition = $2`, topic, partition).Scan(&max)
	if err != nil {
		return 0, errors.WrapTransient(err, "Store", "MaxProcessedSeq", topic)
	}
	return uint64(max), nil
}

// TruncateProcessed deletes idempotency rows for a topic. Used when the bus is
// recreated and every retained message will be reprojected.
func (q *Queries) TruncateProcessed(ctx context.Context, topic string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM processed_messages WHERE topic = $1`, topic)
	if err != nil {
		return errors.WrapTransient(err, "Store", "TruncateProcessed", topic)
	}
	return nil
}

// TruncateProcessedPartition deletes idempotency rows for one partition.
func (q *Queries) TruncateProcessedPartition(ctx context.Context, topic string, partition int) error {
	_, err := q.db.Exec(ctx,
		`DELETE FROM processed_messages WHERE topic = $1 AND partition = $2`,
		topic, partition)
	if err != nil {
		return errors.WrapTransient(err, "Store", "TruncateProcessedPartition", topic)
	}
	return nil
}

// UpsertProgress records the last committed sequence for a consumer role.
func (q *Queries) UpsertProgress(ctx context.Context, role, topic string, partition int, seq uint64) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO consumer_progress (consumer_role, topic, partition, last_seq, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (consumer_role, topic, partition) DO UPDATE SET
			last_seq = EXCLUDED.last_seq,
			updated_at = now()`,
		role, topic, partition, int64(seq))
	if err != nil {
		return errors.WrapTransient(err, "Store", "UpsertProgress", role)
	}
	return nil
}

// TruncateProgress deletes all consumer progress rows. Part of reset-bus.
func (q *Queries) TruncateProgress(ctx context.Context) error {
	_, err := q.db.Exec(ctx, `DELETE FROM consumer_progress`)
	if err != nil {
		return errors.WrapTransient(err, "Store", "TruncateProgress", "delete rows")
	}
	return nil
}
