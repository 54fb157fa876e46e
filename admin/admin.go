// Package admin implements the operational tools. Every effect is expressed
// as an appended event, never a direct projection write, so the event log
// stays the total description of state. The one exception is reset-bus, which
// is an infrastructure reset, not a state change.
package admin

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/c360/lifestream/errors"
	"github.com/c360/lifestream/event"
	"github.com/c360/lifestream/identity"
	"github.com/c360/lifestream/natsclient"
	"github.com/c360/lifestream/store"
)

// adminNamespace seeds deterministic event ids, making re-runs of the same
// tool invocation idempotent at the ledger.
var adminNamespace = uuid.MustParse("8e0f7b52-5a6b-4fd1-9c3a-2f64a1f0d9ab")

// deterministicID derives a stable event id from the operation's identity.
func deterministicID(parts ...string) string {
	var joined string
	for _, p := range parts {
		joined += p + "\x00"
	}
	return uuid.NewSHA1(adminNamespace, []byte(joined)).String()
}

// visibilityStore is what set-visibility needs from the store.
type visibilityStore interface {
	GetLink(ctx context.Context, subjectID string) (*store.Link, error)
	ListLinks(ctx context.Context, limit int) ([]*store.Link, error)
	ListLinksByStatus(ctx context.Context, status string, limit int) ([]*store.Link, error)
	AppendEvent(ctx context.Context, e *event.Event) error
}

// SetVisibilityOptions selects targets and the new visibility.
type SetVisibilityOptions struct {
	SubjectID  string // single target; mutually exclusive with All
	All        bool
	Status     string // optional status filter with All
	Visibility string
	Limit      int
	DryRun     bool
}

// SetVisibility emits link.visibility_changed for each matching link whose
// visibility differs. Returns how many events were emitted (or would be,
// under dry-run).
func SetVisibility(ctx context.Context, db visibilityStore, opts SetVisibilityOptions, out io.Writer) (int, error) {
	if opts.Visibility != event.VisibilityPublic && opts.Visibility != event.VisibilityPrivate {
		return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "Admin", "SetVisibility",
			fmt.Sprintf("visibility must be public or private, got %q", opts.Visibility))
	}

	targets, err := resolveTargets(ctx, db, opts)
	if err != nil {
		return 0, err
	}

	emitted := 0
	for _, link := range targets {
		if link.Visibility == opts.Visibility {
			continue
		}

		if opts.DryRun {
			fmt.Fprintf(out, "would set %s: %s -> %s\n", link.SubjectID, link.Visibility, opts.Visibility)
			emitted++
			continue
		}

		e, err := event.New("admin:set-visibility", identity.KindLink, link.SubjectID,
			event.TypeVisibilityChanged, event.VisibilityChanged{Visibility: opts.Visibility})
		if err != nil {
			return emitted, err
		}
		e.EventID = deterministicID("set-visibility", link.SubjectID, opts.Visibility)

		if err := db.AppendEvent(ctx, e); err != nil {
			return emitted, err
		}
		fmt.Fprintf(out, "set %s -> %s\n", link.SubjectID, opts.Visibility)
		emitted++
	}
	return emitted, nil
}

func resolveTargets(ctx context.Context, db visibilityStore, opts SetVisibilityOptions) ([]*store.Link, error) {
	switch {
	case opts.SubjectID != "":
		link, err := db.GetLink(ctx, opts.SubjectID)
		if err != nil {
			return nil, err
		}
		return []*store.Link{link}, nil
	case opts.All && opts.Status != "":
		return db.ListLinksByStatus(ctx, opts.Status, limitOrDefault(opts.Limit))
	case opts.All:
		return db.ListLinks(ctx, limitOrDefault(opts.Limit))
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Admin", "resolveTargets",
			"either --subject-id or --all is required")
	}
}

// errorLister is what retry-failed needs to find its targets.
type errorLister interface {
	GetLink(ctx context.Context, subjectID string) (*store.Link, error)
	ListLinksByStatus(ctx context.Context, status string, limit int) ([]*store.Link, error)
}

// txRunner runs the clear-and-re-emit of one subject atomically.
type txRunner interface {
	WithTx(ctx context.Context, fn func(q *store.Queries) error) error
}

// RetryFailedOptions selects which exhausted subjects to retry.
type RetryFailedOptions struct {
	SubjectID  string
	Limit      int
	MaxRetries int // skip links already retried more than this many times; 0 = no cap
	DryRun     bool
}

// RetryFailed clears the derived rows (content, metadata) for errored links
// and re-emits link.added with a fresh correlation, sending each subject
// through the whole pipeline again.
func RetryFailed(ctx context.Context, db errorLister, txr txRunner, opts RetryFailedOptions, out io.Writer) (int, error) {
	var targets []*store.Link
	if opts.SubjectID != "" {
		link, err := db.GetLink(ctx, opts.SubjectID)
		if err != nil {
			return 0, err
		}
		if link.Status != event.StatusError {
			return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "Admin", "RetryFailed",
				fmt.Sprintf("%s is %s, not error", link.SubjectID, link.Status))
		}
		targets = []*store.Link{link}
	} else {
		var err error
		targets, err = db.ListLinksByStatus(ctx, event.StatusError, limitOrDefault(opts.Limit))
		if err != nil {
			return 0, err
		}
	}

	retried := 0
	for _, link := range targets {
		if opts.MaxRetries > 0 && link.RetryCount > opts.MaxRetries {
			fmt.Fprintf(out, "skip %s: retried %d times\n", link.SubjectID, link.RetryCount)
			continue
		}

		if opts.DryRun {
			fmt.Fprintf(out, "would retry %s (%s)\n", link.SubjectID, link.URL)
			retried++
			continue
		}

		e, err := event.New("admin:retry-failed", identity.KindLink, link.SubjectID,
			event.TypeLinkAdded, event.LinkAdded{URL: link.URL, URLNorm: link.URLNorm})
		if err != nil {
			return retried, err
		}

		err = txr.WithTx(ctx, func(q *store.Queries) error {
			if err := q.DeleteLinkDerived(ctx, link.SubjectID); err != nil {
				return err
			}
			return q.AppendEvent(ctx, e)
		})
		if err != nil {
			return retried, err
		}
		fmt.Fprintf(out, "retrying %s (%s)\n", link.SubjectID, link.URL)
		retried++
	}
	return retried, nil
}

// recoverStore is what recover-stuck needs from the store.
type recoverStore interface {
	GetLinkMetadata(ctx context.Context, subjectID string) (*store.LinkMetadata, error)
	GetPublishState(ctx context.Context, subjectID string) (*store.PublishState, error)
	ListEnrichedUnpublished(ctx context.Context, limit int) ([]string, error)
	AppendEvent(ctx context.Context, e *event.Event) error
}

// RecoverStuckOptions selects which stuck subjects to recover.
type RecoverStuckOptions struct {
	SubjectID string
	All       bool
	Limit     int
	DryRun    bool
}

// RecoverStuck re-emits a synthetic enrichment.completed from the projected
// metadata of subjects that are enriched but never published, nudging the
// router into emitting the missing publish work. The synthetic event id is
// deterministic per (subject, desired version) so re-runs are ledger no-ops.
func RecoverStuck(ctx context.Context, db recoverStore, opts RecoverStuckOptions, out io.Writer) (int, error) {
	var subjects []string
	switch {
	case opts.SubjectID != "":
		subjects = []string{opts.SubjectID}
	case opts.All:
		var err error
		subjects, err = db.ListEnrichedUnpublished(ctx, limitOrDefault(opts.Limit))
		if err != nil {
			return 0, err
		}
	default:
		return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "Admin", "RecoverStuck",
			"either --subject-id or --all is required")
	}

	recovered := 0
	for _, subjectID := range subjects {
		meta, err := db.GetLinkMetadata(ctx, subjectID)
		if err != nil {
			fmt.Fprintf(out, "skip %s: no projected metadata\n", subjectID)
			continue
		}

		state, err := db.GetPublishState(ctx, subjectID)
		if err != nil {
			fmt.Fprintf(out, "skip %s: no publish state\n", subjectID)
			continue
		}

		if opts.DryRun {
			fmt.Fprintf(out, "would recover %s (desired_version=%d)\n", subjectID, state.DesiredVersion)
			recovered++
			continue
		}

		e, err := event.New("admin:recover-stuck", identity.KindLink, subjectID,
			event.TypeEnrichmentCompleted, event.EnrichmentCompleted{
				Tags:         meta.Tags,
				SummaryShort: meta.SummaryShort,
				SummaryLong:  meta.SummaryLong,
				Language:     meta.Language,
				ModelVersion: meta.ModelVersion,
			})
		if err != nil {
			return recovered, err
		}
		e.EventID = deterministicID("recover-stuck", subjectID, fmt.Sprint(state.DesiredVersion))

		if err := db.AppendEvent(ctx, e); err != nil {
			return recovered, err
		}
		fmt.Fprintf(out, "recovered %s\n", subjectID)
		recovered++
	}
	return recovered, nil
}

// topology is the slice of the bus client reset-bus drives.
type topology interface {
	DeleteTopology(ctx context.Context, partitions int) error
	EnsureTopology(ctx context.Context, partitions int) error
}

// bookkeeping is the slice of the store reset-bus clears.
type bookkeeping interface {
	TruncateProcessed(ctx context.Context, topic string) error
	TruncateProgress(ctx context.Context) error
	ClearForwarded(ctx context.Context) error
}

// ResetBus deletes and recreates every stream and bucket, clears the
// idempotency ledger and consumer progress, and resets the forwarded flag on
// all events. The next outbox and materializer starts replay everything.
func ResetBus(ctx context.Context, bus topology, db bookkeeping, partitions int, out io.Writer) error {
	fmt.Fprintln(out, "deleting bus topology")
	if err := bus.DeleteTopology(ctx, partitions); err != nil {
		return err
	}

	fmt.Fprintln(out, "recreating bus topology")
	if err := bus.EnsureTopology(ctx, partitions); err != nil {
		return err
	}

	fmt.Fprintln(out, "clearing idempotency ledger and consumer progress")
	if err := db.TruncateProcessed(ctx, natsclient.TopicEvents); err != nil {
		return err
	}
	if err := db.TruncateProgress(ctx); err != nil {
		return err
	}

	fmt.Fprintln(out, "resetting forwarded flags")
	if err := db.ClearForwarded(ctx); err != nil {
		return err
	}

	fmt.Fprintln(out, "reset complete; full replay will begin on next startup")
	return nil
}

func limitOrDefault(limit int) int {
	if limit > 0 {
		return limit
	}
	return 1000
}
