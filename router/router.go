// Package router turns facts into work. It consumes the event stream, checks
// the read model so already-done work is never re-emitted, dispatches typed
// work commands to per-stage streams, and owns the retry / dead-letter policy
// for reported failures.
//
// The router is stateless beyond its bus consumer position; its correctness
// rests on the idempotency checks agreeing with what the materializer writes.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/lifestream/errors"
	"github.com/c360/lifestream/event"
	"github.com/c360/lifestream/metric"
	"github.com/c360/lifestream/natsclient"
	"github.com/c360/lifestream/pkg/retry"
)

// checks is the slice of the read model the router consults before emitting
// work.
type checks interface {
	HasContent(ctx context.Context, subjectID string) (bool, error)
	HasMetadata(ctx context.Context, subjectID string) (bool, error)
	PublishClean(ctx context.Context, subjectID string) (bool, error)
}

// publisher is the slice of the bus client the router writes to.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, msgID string, header nats.Header) error
}

// consumers creates the durable event-stream consumers the router reads from.
type consumers interface {
	Durable(ctx context.Context, stream, name, filterSubject string, ackWait time.Duration) (jetstream.Consumer, error)
}

// Config holds router tuning.
type Config struct {
	Partitions  int
	MaxAttempts map[string]int
}

// Router consumes the event stream and emits work.
type Router struct {
	checks  checks
	pub     publisher
	bus     consumers
	cfg     Config
	metrics *metric.Metrics
	logger  *slog.Logger

	lifecycleMu sync.Mutex
	running     bool
	iters       []jetstream.MessagesContext
	wg          sync.WaitGroup
}

// New builds a router.
func New(c checks, pub publisher, bus consumers, cfg Config, m *metric.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	return &Router{
		checks:  c,
		pub:     pub,
		bus:     bus,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "router"),
	}
}

// Initialize prepares the router (no-op; resources are injected).
func (r *Router) Initialize() error {
	return nil
}

// Start creates one durable consumer per event partition and begins
// processing. Within a partition processing is strictly sequential.
func (r *Router) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Router", "Start", "check running state")
	}

	for p := 0; p < r.cfg.Partitions; p++ {
		consumer, err := r.bus.Durable(ctx,
			natsclient.EventStream(p),
			fmt.Sprintf("router-%d", p),
			natsclient.EventSubject(p),
			0)
		if err != nil {
			return errors.WrapTransient(err, "Router", "Start", fmt.Sprintf("create consumer %d", p))
		}

		iter, err := consumer.Messages()
		if err != nil {
			return errors.WrapTransient(err, "Router", "Start", fmt.Sprintf("open iterator %d", p))
		}
		r.iters = append(r.iters, iter)

		r.wg.Add(1)
		go r.consume(ctx, p, iter)
	}

	r.running = true
	return nil
}

// Stop drains the partition loops.
func (r *Router) Stop(timeout time.Duration) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if !r.running {
		return nil
	}
	r.running = false

	for _, iter := range r.iters {
		iter.Stop()
	}
	r.iters = nil

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Router", "Stop", "wait for partition loops")
	}
}

func (r *Router) consume(ctx context.Context, partition int, iter jetstream.MessagesContext) {
	defer r.wg.Done()

	for {
		msg, err := iter.Next()
		if err != nil {
			// Iterator stopped or connection drained; the loop ends here and
			// the durable consumer resumes where it left off next start.
			return
		}

		r.handle(ctx, partition, msg)
	}
}

// handle routes one message. A message that still fails after bounded retries
// is acked and skipped rather than wedging the partition, matching the
// record-and-skip policy for per-message errors. A shutdown mid-message leaves
// it unacked for redelivery.
func (r *Router) handle(ctx context.Context, partition int, msg jetstream.Msg) {
	e, err := event.Decode(msg.Data())
	if err != nil {
		r.logger.Error("dropping undecodable event message", "partition", partition, "error", err)
		r.ack(partition, msg)
		return
	}

	err = retry.Do(ctx, retry.Handler(), func() error {
		return r.route(ctx, e)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("routing failed, skipping event",
			"event_id", e.EventID,
			"event_type", e.Type,
			"subject_id", e.SubjectID,
			"correlation_id", e.CorrelationID,
			"error", err)
	}
	r.ack(partition, msg)
}

func (r *Router) ack(partition int, msg jetstream.Msg) {
	if err := msg.Ack(); err != nil {
		r.logger.Warn("ack failed", "partition", partition, "error", err)
	}
}
