package router

import (
	"context"
	"fmt"
	"time"

	"github.com/c360/lifestream/event"
	"github.com/c360/lifestream/natsclient"
	"github.com/c360/lifestream/pkg/retry"
)

// route dispatches a single event. Idempotency checks run against the read
// model so a replayed fact whose work already completed emits nothing.
func (r *Router) route(ctx context.Context, e *event.Event) error {
	switch e.Type {
	case event.TypeLinkAdded:
		return r.routeLinkAdded(ctx, e)
	case event.TypeContentFetched:
		return r.routeContentFetched(ctx, e)
	case event.TypeEnrichmentCompleted:
		return r.routeEnrichmentCompleted(ctx, e)
	case event.TypeWorkFailed:
		return r.routeWorkFailed(ctx, e)
	default:
		// Facts without a work consequence (sensor readings, todos,
		// visibility changes, completions) are the materializer's business.
		return nil
	}
}

func (r *Router) routeLinkAdded(ctx context.Context, e *event.Event) error {
	p, err := event.DecodePayload(e)
	if err != nil {
		return retry.NonRetryable(err)
	}
	added := p.(*event.LinkAdded)

	done, err := r.checks.HasContent(ctx, e.SubjectID)
	if err != nil {
		return err
	}
	if done {
		r.logger.Debug("content already present, skipping fetch", "subject_id", e.SubjectID)
		return nil
	}

	cmd, err := event.NewWorkCommand(event.WorkFetchLink, e,
		r.maxAttempts(event.WorkFetchLink), event.FetchPayload{URL: added.URL})
	if err != nil {
		return retry.NonRetryable(err)
	}
	return r.emitWork(ctx, cmd)
}

func (r *Router) routeContentFetched(ctx context.Context, e *event.Event) error {
	p, err := event.DecodePayload(e)
	if err != nil {
		return retry.NonRetryable(err)
	}
	fetched := p.(*event.ContentFetched)

	// A fetch with no readable text has nothing to enrich; the materializer
	// records the partial result and the pipeline stops here for this run.
	if fetched.FetchError != "" || fetched.TextContent == "" {
		return nil
	}

	done, err := r.checks.HasMetadata(ctx, e.SubjectID)
	if err != nil {
		return err
	}
	if done {
		r.logger.Debug("metadata already filled, skipping enrich", "subject_id", e.SubjectID)
		return nil
	}

	cmd, err := event.NewWorkCommand(event.WorkEnrichLink, e,
		r.maxAttempts(event.WorkEnrichLink), event.EnrichPayload{
			Title: fetched.Title,
			Text:  fetched.TextContent,
		})
	if err != nil {
		return retry.NonRetryable(err)
	}
	return r.emitWork(ctx, cmd)
}

func (r *Router) routeEnrichmentCompleted(ctx context.Context, e *event.Event) error {
	clean, err := r.checks.PublishClean(ctx, e.SubjectID)
	if err != nil {
		return err
	}
	if clean {
		r.logger.Debug("publish state clean, skipping publish", "subject_id", e.SubjectID)
		return nil
	}

	cmd, err := event.NewWorkCommand(event.WorkPublishLink, e,
		r.maxAttempts(event.WorkPublishLink), struct{}{})
	if err != nil {
		return retry.NonRetryable(err)
	}
	return r.emitWork(ctx, cmd)
}

// routeWorkFailed applies the retry policy: attempts remaining get an
// identical command with attempt+1 and the error attached; an exhausted
// command becomes a dead-letter record and the run stops.
func (r *Router) routeWorkFailed(ctx context.Context, e *event.Event) error {
	p, err := event.DecodePayload(e)
	if err != nil {
		return retry.NonRetryable(err)
	}
	failed := p.(*event.WorkFailed)

	if !failed.Work.Exhausted() {
		next := failed.Work.Retry(failed.Error)
		if err := r.emitWork(ctx, next); err != nil {
			return err
		}
		if r.metrics != nil {
			r.metrics.WorkRetried.WithLabelValues(string(next.WorkType)).Inc()
		}
		r.logger.Info("work retry emitted",
			"subject_id", next.SubjectID,
			"work_type", next.WorkType,
			"attempt", next.Attempt,
			"correlation_id", next.CorrelationID)
		return nil
	}

	dl := &event.DeadLetter{
		OriginalWork: failed.Work,
		FinalError:   failed.Error,
		FailedAt:     time.Now().UTC(),
		Agent:        failed.Agent,
	}
	data, err := dl.Encode()
	if err != nil {
		return retry.NonRetryable(err)
	}

	msgID := fmt.Sprintf("dlq:%s:%s", failed.Work.WorkType, failed.Work.TriggeredByEventID)
	if err := r.pub.Publish(ctx, natsclient.SubjectDeadLetter, data, msgID, nil); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.DeadLetters.WithLabelValues(string(failed.Work.WorkType)).Inc()
	}
	r.logger.Warn("work dead-lettered",
		"subject_id", failed.Work.SubjectID,
		"work_type", failed.Work.WorkType,
		"attempts", failed.Work.Attempt,
		"correlation_id", failed.Work.CorrelationID,
		"error", failed.Error)
	return nil
}

func (r *Router) emitWork(ctx context.Context, cmd *event.WorkCommand) error {
	data, err := cmd.Encode()
	if err != nil {
		return retry.NonRetryable(err)
	}

	partition := event.Partition(cmd.SubjectID, r.cfg.Partitions)
	subject := natsclient.WorkSubject(string(cmd.WorkType), partition)

	// Replayed triggers produce the same id, so the bus duplicate window
	// drops the copy even before the worker sees it.
	msgID := fmt.Sprintf("%s:%s:%d", cmd.WorkType, cmd.TriggeredByEventID, cmd.Attempt)

	if err := r.pub.Publish(ctx, subject, data, msgID, nil); err != nil {
		return err
	}
	if r.metrics != nil && cmd.Attempt == 1 {
		r.metrics.WorkEmitted.WithLabelValues(string(cmd.WorkType)).Inc()
	}
	return nil
}

func (r *Router) maxAttempts(typ event.WorkType) int {
	if n, ok := r.cfg.MaxAttempts[string(typ)]; ok && n > 0 {
		return n
	}
	return 3
}
