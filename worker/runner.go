// Package worker implements the per-stage work consumers: fetch, enrich, and
// publish. Each worker consumes its work stream sequentially, performs one
// unit of work, and appends either a completion fact or a work.failed fact to
// the ledger. Results re-enter the pipeline through the outbox like any other
// event.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/lifestream/errors"
	"github.com/c360/lifestream/event"
	"github.com/c360/lifestream/identity"
	"github.com/c360/lifestream/metric"
	"github.com/c360/lifestream/natsclient"
	"github.com/c360/lifestream/pkg/retry"
)

// Performer is one unit-of-work implementation. A returned error is a
// retryable failure and becomes a work.failed fact; business outcomes that are
// not retryable (a page with no readable text) are success payloads carrying
// an error field.
type Performer interface {
	WorkType() event.WorkType
	Agent() string
	Perform(ctx context.Context, cmd *event.WorkCommand) (event.Type, any, error)
}

// appender is the slice of the store the runner writes results to.
type appender interface {
	AppendEvent(ctx context.Context, e *event.Event) error
}

// consumers creates the durable work-stream consumer the runner reads from.
type consumers interface {
	Durable(ctx context.Context, stream, name, filterSubject string, ackWait time.Duration) (jetstream.Consumer, error)
}

// Runner drives one Performer over its work stream.
type Runner struct {
	performer Performer
	ledger    appender
	bus       consumers
	timeout   time.Duration
	metrics   *metric.Metrics
	logger    *slog.Logger

	lifecycleMu sync.Mutex
	running     bool
	iter        jetstream.MessagesContext
	wg          sync.WaitGroup
}

// NewRunner builds a runner for the given performer. The timeout bounds a
// single unit of work.
func NewRunner(p Performer, ledger appender, bus consumers, timeout time.Duration, m *metric.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		performer: p,
		ledger:    ledger,
		bus:       bus,
		timeout:   timeout,
		metrics:   m,
		logger:    logger.With("component", "worker", "work_type", string(p.WorkType())),
	}
}

// Initialize prepares the runner (no-op; resources are injected).
func (r *Runner) Initialize() error {
	return nil
}

// Start opens the durable consumer and begins the sequential loop.
func (r *Runner) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Runner", "Start", "check running state")
	}

	workType := string(r.performer.WorkType())
	ackWait := r.timeout + time.Minute

	consumer, err := r.bus.Durable(ctx,
		natsclient.StreamWork,
		"worker-"+workType,
		natsclient.WorkFilter(workType),
		ackWait)
	if err != nil {
		return errors.WrapTransient(err, "Runner", "Start", "create consumer")
	}

	iter, err := consumer.Messages()
	if err != nil {
		return errors.WrapTransient(err, "Runner", "Start", "open iterator")
	}
	r.iter = iter
	r.running = true

	r.wg.Add(1)
	go r.consume(ctx, iter)
	return nil
}

// Stop drains the loop, letting the in-flight unit finish.
func (r *Runner) Stop(timeout time.Duration) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if !r.running {
		return nil
	}
	r.running = false
	r.iter.Stop()
	r.iter = nil

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Runner", "Stop", "wait for loop")
	}
}

func (r *Runner) consume(ctx context.Context, iter jetstream.MessagesContext) {
	defer r.wg.Done()

	for {
		msg, err := iter.Next()
		if err != nil {
			return
		}

		if err := r.handle(ctx, msg.Data()); err != nil {
			// The result could not be recorded; leave the message unacked so
			// it redelivers after the ack wait.
			r.logger.Error("result append failed, leaving message for redelivery", "error", err)
			continue
		}

		if err := msg.Ack(); err != nil {
			r.logger.Warn("ack failed", "error", err)
		}
	}
}

// handle processes one work message end to end. The returned error means the
// outcome (completion or failure fact) could not be appended to the ledger;
// everything else resolves to an appended fact.
func (r *Runner) handle(ctx context.Context, data []byte) error {
	cmd, err := event.DecodeWorkCommand(data)
	if err != nil {
		// Malformed commands are dropped, never retried.
		r.logger.Error("dropping undecodable work message", "error", err)
		return nil
	}

	workCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		workCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	typ, payload, performErr := r.performer.Perform(workCtx, cmd)
	if r.metrics != nil {
		r.metrics.WorkDuration.WithLabelValues(string(cmd.WorkType)).Observe(time.Since(start).Seconds())
	}

	var result *event.Event
	if performErr != nil {
		r.logger.Warn("work failed",
			"subject_id", cmd.SubjectID,
			"attempt", cmd.Attempt,
			"correlation_id", cmd.CorrelationID,
			"error", performErr)
		result, err = event.New("agent:"+r.performer.Agent(), identity.KindLink, cmd.SubjectID,
			event.TypeWorkFailed, event.WorkFailed{
				Work:  *cmd,
				Error: performErr.Error(),
				Agent: r.performer.Agent(),
			})
	} else {
		result, err = event.New("agent:"+r.performer.Agent(), identity.KindLink, cmd.SubjectID, typ, payload)
	}
	if err != nil {
		r.logger.Error("dropping unserializable result",
			"subject_id", cmd.SubjectID, "correlation_id", cmd.CorrelationID, "error", err)
		return nil
	}
	result.WithCorrelation(cmd.CorrelationID, cmd.TriggeredByEventID)

	if err := retry.Do(ctx, retry.Handler(), func() error {
		return r.ledger.AppendEvent(ctx, result)
	}); err != nil {
		return err
	}

	if r.metrics != nil {
		r.metrics.EventsAppended.WithLabelValues(string(result.Type)).Inc()
		status := "ok"
		if performErr != nil {
			status = "failed"
		}
		r.metrics.WorkProcessed.WithLabelValues(string(cmd.WorkType), status).Inc()
	}
	return nil
}
