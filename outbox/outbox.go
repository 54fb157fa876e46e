// Package outbox forwards newly appended ledger events to the bus. Events are
// durable in the ledger before any publish, and marked forwarded only after
// the bus accepts them, so delivery is at-least-once with the duplicate window
// closed downstream by the materializer's dedupe.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/lifestream/errors"
	"github.com/c360/lifestream/event"
	"github.com/c360/lifestream/metric"
	"github.com/c360/lifestream/natsclient"
	"github.com/c360/lifestream/pkg/retry"
)

// ledger is the slice of the store the forwarder reads and updates.
type ledger interface {
	ReadUnforwarded(ctx context.Context, limit int) ([]*event.Event, error)
	MarkForwarded(ctx context.Context, eventIDs []string) error
}

// publisher is the slice of the bus client the forwarder writes to.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, msgID string, header nats.Header) error
}

// Config holds forwarder tuning.
type Config struct {
	Partitions     int
	BatchSize      int
	PollInterval   time.Duration
	MaxConsecutive int // failed cycles before the forwarder gives up
}

// DefaultConfig returns the standard forwarder settings.
func DefaultConfig(partitions int) Config {
	return Config{
		Partitions:     partitions,
		BatchSize:      100,
		PollInterval:   500 * time.Millisecond,
		MaxConsecutive: 5,
	}
}

// Forwarder is the long-running outbox loop.
type Forwarder struct {
	ledger  ledger
	bus     publisher
	cfg     Config
	metrics *metric.Metrics
	logger  *slog.Logger

	shutdown chan struct{}
	done     chan struct{}
	fatal    chan error
	running  bool

	lifecycleMu sync.Mutex
	wg          sync.WaitGroup
}

// NewForwarder builds a forwarder over the given ledger and bus.
func NewForwarder(l ledger, bus publisher, cfg Config, m *metric.Metrics, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxConsecutive <= 0 {
		cfg.MaxConsecutive = 5
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}

	return &Forwarder{
		ledger:   l,
		bus:      bus,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With("component", "outbox"),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		fatal:    make(chan error, 1),
	}
}

// Initialize prepares the forwarder (no-op; resources are injected).
func (f *Forwarder) Initialize() error {
	return nil
}

// Start launches the forwarding loop.
func (f *Forwarder) Start(ctx context.Context) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if f.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Forwarder", "Start", "check running state")
	}
	f.running = true

	f.wg.Add(1)
	go f.run(ctx)
	return nil
}

// Stop signals the loop and waits for the in-flight cycle to finish.
func (f *Forwarder) Stop(timeout time.Duration) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if !f.running {
		return nil
	}
	f.running = false

	close(f.shutdown)

	select {
	case <-f.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Forwarder", "Stop", "wait for loop")
	}
}

// Fatal delivers the terminal error when the forwarder exhausts its
// consecutive-failure budget. A supervisor restart is the recovery path.
func (f *Forwarder) Fatal() <-chan error {
	return f.fatal
}

func (f *Forwarder) run(ctx context.Context) {
	defer f.wg.Done()
	defer close(f.done)

	backoff := retry.Forwarder()
	delay := backoff.InitialDelay
	consecutive := 0

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		forwarded, err := f.cycle(ctx)
		if err == nil {
			consecutive = 0
			delay = backoff.InitialDelay
			if forwarded > 0 {
				f.logger.Debug("forwarded batch", "count", forwarded)
			}
			continue
		}

		consecutive++
		if f.metrics != nil {
			f.metrics.ForwardFailures.Inc()
		}
		f.logger.Error("forwarding cycle failed",
			"error", err, "consecutive", consecutive, "backoff", delay)

		if consecutive >= f.cfg.MaxConsecutive {
			fatalErr := errors.WrapFatal(err, "Forwarder", "run",
				"consecutive failure budget exhausted")
			select {
			case f.fatal <- fatalErr:
			default:
			}
			return
		}

		select {
		case <-f.shutdown:
			return
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * backoff.Multiplier)
		if delay > backoff.MaxDelay {
			delay = backoff.MaxDelay
		}
	}
}

// cycle reads one batch and publishes it in ledger order. On a publish failure
// the already-published prefix is still marked forwarded; stopping at the
// failed event keeps per-subject order intact for the next cycle.
func (f *Forwarder) cycle(ctx context.Context) (int, error) {
	events, err := f.ledger.ReadUnforwarded(ctx, f.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	published := make([]string, 0, len(events))
	var publishErr error

	for _, e := range events {
		data, err := e.Encode()
		if err != nil {
			// A ledger event that cannot be serialized will never succeed;
			// mark it forwarded to keep it from wedging the outbox.
			f.logger.Error("dropping unencodable event",
				"event_id", e.EventID, "subject_id", e.SubjectID, "error", err)
			published = append(published, e.EventID)
			continue
		}

		partition := event.Partition(e.SubjectID, f.cfg.Partitions)
		header := nats.Header{}
		header.Set(natsclient.HeaderEventType, string(e.Type))
		header.Set(natsclient.HeaderEventSource, e.Source)

		if err := f.bus.Publish(ctx, natsclient.EventSubject(partition), data, e.EventID, header); err != nil {
			publishErr = err
			break
		}
		published = append(published, e.EventID)
	}

	if len(published) > 0 {
		if err := f.ledger.MarkForwarded(ctx, published); err != nil {
			// The batch is on the bus but not flagged; the next cycle will
			// republish and the materializer dedupe absorbs the duplicates.
			return len(published), err
		}
		if f.metrics != nil {
			f.metrics.EventsForwarded.Add(float64(len(published)))
		}
	}

	return len(published), publishErr
}
