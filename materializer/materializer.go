// Package materializer projects the event stream into the query-optimized
// state tables. Its progress lives in the database, not the bus: the
// idempotency ledger records every (topic, partition, offset) it has applied,
// and each message's projection, idempotency insert, and progress update
// commit as one transaction. The bus can be deleted and recreated at any time
// and the projections rebuild themselves.
package materializer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/lifestream/errors"
	"github.com/c360/lifestream/event"
	"github.com/c360/lifestream/metric"
	"github.com/c360/lifestream/natsclient"
	"github.com/c360/lifestream/pkg/retry"
	"github.com/c360/lifestream/store"
)

// consumerRole identifies this component in the consumer_progress table.
const consumerRole = "materializer"

// bounds is the slice of the bus client used for offset reconciliation and
// consumer creation.
type bounds interface {
	StreamBounds(ctx context.Context, name string) (first, last uint64, err error)
	FromSequence(ctx context.Context, stream string, startSeq uint64) (jetstream.Consumer, error)
}

// Config holds materializer tuning.
type Config struct {
	Partitions int
}

// Materializer consumes every event partition and applies projections.
type Materializer struct {
	store   *store.Store
	bus     bounds
	cfg     Config
	metrics *metric.Metrics
	logger  *slog.Logger

	lifecycleMu sync.Mutex
	running     bool
	iters       []jetstream.MessagesContext
	wg          sync.WaitGroup
}

// New builds a materializer.
func New(s *store.Store, bus bounds, cfg Config, m *metric.Metrics, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	return &Materializer{
		store:   s,
		bus:     bus,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "materializer"),
	}
}

// Initialize prepares the materializer (no-op; resources are injected).
func (m *Materializer) Initialize() error {
	return nil
}

// Start reconciles each partition's start position against the bus and begins
// the per-partition sequential loops. No offsets are ever committed to the
// bus consumer group.
func (m *Materializer) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Materializer", "Start", "check running state")
	}

	for p := 0; p < m.cfg.Partitions; p++ {
		startSeq, err := m.reconcile(ctx, p)
		if err != nil {
			return errors.WrapTransient(err, "Materializer", "Start",
				fmt.Sprintf("reconcile partition %d", p))
		}

		consumer, err := m.bus.FromSequence(ctx, natsclient.EventStream(p), startSeq)
		if err != nil {
			return errors.WrapTransient(err, "Materializer", "Start",
				fmt.Sprintf("create consumer %d", p))
		}

		iter, err := consumer.Messages()
		if err != nil {
			return errors.WrapTransient(err, "Materializer", "Start",
				fmt.Sprintf("open iterator %d", p))
		}
		m.iters = append(m.iters, iter)

		m.wg.Add(1)
		go m.consume(ctx, p, iter)
	}

	m.running = true
	return nil
}

// Stop drains the partition loops, letting in-flight transactions finish.
func (m *Materializer) Stop(timeout time.Duration) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	for _, iter := range m.iters {
		iter.Stop()
	}
	m.iters = nil

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Materializer", "Stop", "wait for partition loops")
	}
}

// reconcile computes the stream sequence to resume from for one partition.
// desired is the sequence after the highest the idempotency ledger has seen.
//   - desired below the first retained sequence: retention dropped messages;
//     resume at the earliest and log the gap.
//   - desired beyond the next sequence the stream will assign: the bus has
//     been recreated; truncate this partition's idempotency rows and replay
//     from the start. Projections are idempotent, so reprojection is safe.
//   - otherwise resume exactly at desired.
func (m *Materializer) reconcile(ctx context.Context, partition int) (uint64, error) {
	q := m.store.Queries()

	recorded, err := q.MaxProcessedSeq(ctx, natsclient.TopicEvents, partition)
	if err != nil {
		return 0, err
	}
	desired := recorded + 1

	first, last, err := m.bus.StreamBounds(ctx, natsclient.EventStream(partition))
	if err != nil {
		return 0, err
	}
	nextToProduce := last + 1

	switch {
	case first > 0 && desired < first:
		m.logger.Warn("messages lost to retention, resuming at earliest",
			"partition", partition, "desired", desired, "earliest", first)
		return first, nil

	case desired > nextToProduce:
		m.logger.Warn("bus recreated, truncating idempotency ledger and replaying",
			"partition", partition, "recorded", recorded, "stream_last", last)
		if err := q.TruncateProcessedPartition(ctx, natsclient.TopicEvents, partition); err != nil {
			return 0, err
		}
		return first, nil

	default:
		return desired, nil
	}
}

func (m *Materializer) consume(ctx context.Context, partition int, iter jetstream.MessagesContext) {
	defer m.wg.Done()

	for {
		msg, err := iter.Next()
		if err != nil {
			return
		}

		meta, err := msg.Metadata()
		if err != nil {
			m.logger.Error("message without JetStream metadata, skipping", "partition", partition, "error", err)
			continue
		}

		m.process(ctx, partition, meta.Sequence.Stream, msg.Data())
	}
}

// process applies one message. The projection write, idempotency insert, and
// progress update are one transaction: both persist or neither.
func (m *Materializer) process(ctx context.Context, partition int, seq uint64, data []byte) {
	q := m.store.Queries()

	processed, err := q.IsProcessed(ctx, natsclient.TopicEvents, partition, seq)
	if err != nil {
		m.logger.Error("idempotency lookup failed, skipping message until redelivery",
			"partition", partition, "seq", seq, "error", err)
		return
	}
	if processed {
		if m.metrics != nil {
			m.metrics.ProjectionsSkipped.Inc()
		}
		return
	}

	e, decodeErr := event.Decode(data)
	if decodeErr != nil {
		// Schema errors are never retried; record the offset and move on.
		m.logger.Error("undecodable event message, advancing offset",
			"partition", partition, "seq", seq, "error", decodeErr)
		m.recordOnly(ctx, partition, seq)
		return
	}

	handler, known := handlers[e.Type]
	if !known {
		m.logger.Warn("unknown event type, dropping",
			"event_type", e.Type, "event_id", e.EventID,
			"subject_id", e.SubjectID, "partition", partition, "seq", seq)
		m.recordOnly(ctx, partition, seq)
		return
	}

	start := time.Now()
	err = retry.Do(ctx, retry.Handler(), func() error {
		return m.store.WithTx(ctx, func(q *store.Queries) error {
			if err := handler(ctx, q, e); err != nil {
				return err
			}
			if err := q.MarkProcessed(ctx, natsclient.TopicEvents, partition, seq); err != nil {
				return err
			}
			return q.UpsertProgress(ctx, consumerRole, natsclient.TopicEvents, partition, seq)
		})
	})
	if m.metrics != nil {
		m.metrics.ProjectionDuration.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		// A shutdown mid-message is not a poison message; leave the offset
		// unrecorded so the next start resumes here.
		if ctx.Err() != nil {
			return
		}
		// Poison message: record the offset anyway so one bad message cannot
		// block the partition. Operator tooling can re-inject a corrected
		// event later.
		m.logger.Error("projection failed after retries, recording offset and skipping",
			"event_id", e.EventID,
			"event_type", e.Type,
			"subject_id", e.SubjectID,
			"correlation_id", e.CorrelationID,
			"partition", partition, "seq", seq,
			"error", err)
		if m.metrics != nil {
			m.metrics.ProjectionPoisoned.Inc()
		}
		m.recordOnly(ctx, partition, seq)
		return
	}

	if m.metrics != nil {
		m.metrics.ProjectionsApplied.WithLabelValues(string(e.Type)).Inc()
	}
}

// recordOnly marks a message processed without a projection effect.
func (m *Materializer) recordOnly(ctx context.Context, partition int, seq uint64) {
	err := m.store.WithTx(ctx, func(q *store.Queries) error {
		if err := q.MarkProcessed(ctx, natsclient.TopicEvents, partition, seq); err != nil {
			return err
		}
		return q.UpsertProgress(ctx, consumerRole, natsclient.TopicEvents, partition, seq)
	})
	if err != nil {
		m.logger.Error("failed to record skipped offset", "partition", partition, "seq", seq, "error", err)
	}
}
