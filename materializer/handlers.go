package materializer

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/c360/lifestream/errors"
	"github.com/c360/lifestream/event"
	"github.com/c360/lifestream/identity"
	"github.com/c360/lifestream/pkg/retry"
	"github.com/c360/lifestream/store"
)

// Projector is the slice of the store a projection handler writes through.
// Every method is an idempotent upsert or guarded update, which is what makes
// full replay safe.
type Projector interface {
	UpsertSubject(ctx context.Context, kind, id string) error
	SetSubjectVisibility(ctx context.Context, kind, id, visibility string) error

	InsertLink(ctx context.Context, subjectID, url, urlNorm, source string) error
	GetLink(ctx context.Context, subjectID string) (*store.Link, error)
	PromoteLinkStatus(ctx context.Context, subjectID, to string, from ...string) error
	SetLinkError(ctx context.Context, subjectID, message string, at time.Time) error
	ClearLinkError(ctx context.Context, subjectID string) error
	SetLinkVisibility(ctx context.Context, subjectID, visibility string) error

	UpsertLinkContent(ctx context.Context, subjectID string, p *event.ContentFetched, fetchedAt time.Time) error
	UpsertLinkMetadata(ctx context.Context, subjectID string, p *event.EnrichmentCompleted) error

	BumpPublishDesired(ctx context.Context, subjectID string) error
	CompletePublish(ctx context.Context, subjectID string, at time.Time) error

	InsertSensorReading(ctx context.Context, subjectID string, recordedAt time.Time, p *event.TempReading) error
	UpsertSensorLatest(ctx context.Context, subjectID string, recordedAt time.Time, p *event.TempReading) error

	UpsertTodo(ctx context.Context, subjectID string, p *event.TodoCreated) error
	CompleteTodo(ctx context.Context, subjectID string, completedAt time.Time) error

	UpsertAnnotation(ctx context.Context, p *event.AnnotationAdded, createdAt time.Time) error
}

// handlerFunc applies one event's projection effect inside the caller's
// transaction.
type handlerFunc func(ctx context.Context, q Projector, e *event.Event) error

// handlers is the dispatch table. A table keyed by event type stays readable
// as the catalog grows. work.failed is projected only into the link row here;
// its consequences (retry, dead-letter) belong to the router.
var handlers = map[event.Type]handlerFunc{
	event.TypeLinkAdded:           applyLinkAdded,
	event.TypeContentFetched:      applyContentFetched,
	event.TypeEnrichmentCompleted: applyEnrichmentCompleted,
	event.TypePublishCompleted:    applyPublishCompleted,
	event.TypeVisibilityChanged:   applyVisibilityChanged,
	event.TypeTempReading:         applyTempReading,
	event.TypeTodoCreated:         applyTodoCreated,
	event.TypeTodoCompleted:       applyTodoCompleted,
	event.TypeAnnotationAdded:     applyAnnotationAdded,
	event.TypeWorkFailed:          applyWorkFailed,
}

func applyLinkAdded(ctx context.Context, q Projector, e *event.Event) error {
	p, err := decode[event.LinkAdded](e)
	if err != nil {
		return err
	}

	urlNorm := p.URLNorm
	if urlNorm == "" {
		urlNorm = identity.NormalizeURL(p.URL)
	}

	if err := q.UpsertSubject(ctx, identity.KindLink, e.SubjectID); err != nil {
		return err
	}
	if err := q.InsertLink(ctx, e.SubjectID, p.URL, urlNorm, e.Source); err != nil {
		return err
	}
	// Re-emitted link.added is the recovery path for exhausted subjects: an
	// errored row goes back to new so the pipeline can run again. Healthy
	// rows are untouched, and a full replay refolds the error afterwards.
	return q.PromoteLinkStatus(ctx, e.SubjectID, event.StatusNew, event.StatusError)
}

func applyContentFetched(ctx context.Context, q Projector, e *event.Event) error {
	p, err := decode[event.ContentFetched](e)
	if err != nil {
		return err
	}

	if err := q.UpsertLinkContent(ctx, e.SubjectID, p, e.OccurredAt); err != nil {
		return err
	}

	if p.FetchError != "" {
		return q.SetLinkError(ctx, e.SubjectID, p.FetchError, e.OccurredAt)
	}

	link, err := q.GetLink(ctx, e.SubjectID)
	if err != nil {
		if stderrors.Is(err, errors.ErrSubjectNotFound) {
			// Content for a link row that has not materialized yet; the
			// content upsert above already kept the data.
			return nil
		}
		return err
	}
	// A successful fetch also recovers a link that an earlier failed attempt
	// pushed into error; without that, a transient failure would strand the
	// row even though the pipeline went on to succeed.
	if link.Status != event.StatusNew && link.Status != event.StatusError {
		return nil
	}

	if err := q.PromoteLinkStatus(ctx, e.SubjectID, event.StatusFetched,
		event.StatusNew, event.StatusError); err != nil {
		return err
	}
	return q.ClearLinkError(ctx, e.SubjectID)
}

func applyEnrichmentCompleted(ctx context.Context, q Projector, e *event.Event) error {
	p, err := decode[event.EnrichmentCompleted](e)
	if err != nil {
		return err
	}

	if err := q.UpsertLinkMetadata(ctx, e.SubjectID, p); err != nil {
		return err
	}
	if err := q.PromoteLinkStatus(ctx, e.SubjectID, event.StatusEnriched,
		event.StatusNew, event.StatusFetched, event.StatusError); err != nil {
		return err
	}
	return q.BumpPublishDesired(ctx, e.SubjectID)
}

func applyPublishCompleted(ctx context.Context, q Projector, e *event.Event) error {
	p, err := decode[event.PublishCompleted](e)
	if err != nil {
		return err
	}

	at := p.PublishedAt
	if at.IsZero() {
		at = e.OccurredAt
	}

	if err := q.CompletePublish(ctx, e.SubjectID, at); err != nil {
		return err
	}
	// fetched never jumps straight to published; the promotion only fires
	// from enriched.
	return q.PromoteLinkStatus(ctx, e.SubjectID, event.StatusPublished, event.StatusEnriched)
}

func applyVisibilityChanged(ctx context.Context, q Projector, e *event.Event) error {
	p, err := decode[event.VisibilityChanged](e)
	if err != nil {
		return err
	}
	if p.Visibility != event.VisibilityPublic && p.Visibility != event.VisibilityPrivate {
		return retry.NonRetryable(errors.WrapInvalid(errors.ErrInvalidPayload,
			"Materializer", "applyVisibilityChanged", p.Visibility))
	}

	if err := q.SetLinkVisibility(ctx, e.SubjectID, p.Visibility); err != nil {
		return err
	}
	return q.SetSubjectVisibility(ctx, identity.KindLink, e.SubjectID, p.Visibility)
}

func applyTempReading(ctx context.Context, q Projector, e *event.Event) error {
	p, err := decode[event.TempReading](e)
	if err != nil {
		return err
	}

	if err := q.UpsertSubject(ctx, identity.KindSensor, e.SubjectID); err != nil {
		return err
	}
	if err := q.InsertSensorReading(ctx, e.SubjectID, e.OccurredAt, p); err != nil {
		return err
	}
	return q.UpsertSensorLatest(ctx, e.SubjectID, e.OccurredAt, p)
}

func applyTodoCreated(ctx context.Context, q Projector, e *event.Event) error {
	p, err := decode[event.TodoCreated](e)
	if err != nil {
		return err
	}

	if err := q.UpsertSubject(ctx, identity.KindTodo, e.SubjectID); err != nil {
		return err
	}
	return q.UpsertTodo(ctx, e.SubjectID, p)
}

func applyTodoCompleted(ctx context.Context, q Projector, e *event.Event) error {
	if _, err := decode[event.TodoCompleted](e); err != nil {
		return err
	}

	if err := q.UpsertSubject(ctx, identity.KindTodo, e.SubjectID); err != nil {
		return err
	}
	return q.CompleteTodo(ctx, e.SubjectID, e.OccurredAt)
}

func applyAnnotationAdded(ctx context.Context, q Projector, e *event.Event) error {
	p, err := decode[event.AnnotationAdded](e)
	if err != nil {
		return err
	}

	if err := q.UpsertSubject(ctx, identity.KindAnnotation, e.SubjectID); err != nil {
		return err
	}
	return q.UpsertAnnotation(ctx, p, e.OccurredAt)
}

// applyWorkFailed projects a failed work attempt into the link row: status
// error, retry counter bumped, last_error recorded. The retry and dead-letter
// consequences stay with the router; this only keeps the read model honest
// about failures. Each distinct work.failed offset applies once through the
// idempotency ledger, so three failed attempts fold to retry_count=3 and a
// full replay reproduces the same state.
func applyWorkFailed(ctx context.Context, q Projector, e *event.Event) error {
	p, err := decode[event.WorkFailed](e)
	if err != nil {
		return err
	}

	switch p.Work.WorkType {
	case event.WorkFetchLink, event.WorkEnrichLink, event.WorkPublishLink:
	default:
		return nil
	}

	return q.SetLinkError(ctx, p.Work.SubjectID, p.Error, e.OccurredAt)
}

// decode unmarshals the payload for handlers; a malformed payload is a schema
// error that must not be retried.
func decode[T any](e *event.Event) (*T, error) {
	p, err := event.DecodePayload(e)
	if err != nil {
		return nil, retry.NonRetryable(err)
	}
	typed, ok := p.(*T)
	if !ok {
		return nil, retry.NonRetryable(errors.WrapInvalid(errors.ErrInvalidPayload,
			"Materializer", "decode", string(e.Type)))
	}
	return typed, nil
}
