package store

import (
	"context"
	"time"

	"github.com/c360/lifestream/errors"
	"github.com/c360/lifestream/event"
)

// AppendEvent inserts an event with forwarded=false. The caller may supply the
// event id (admin tools use this for idempotent re-emission); a conflicting id
// is a no-op so replays of the same synthetic event are safe.
func (q *Queries) AppendEvent(ctx context.Context, e *event.Event) error {
	receivedAt := e.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	_, err := q.db.Exec(ctx, `
		INSERT INTO events (
			event_id, occurred_at, received_at, source,
			subject_kind, subject_id, event_type, schema_version,
			payload, correlation_id, causation_id, forwarded
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, FALSE)
		ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.OccurredAt, receivedAt, e.Source,
		e.SubjectKind, e.SubjectID, string(e.Type), e.SchemaVersion,
		e.Payload, nullable(e.CorrelationID), nullable(e.CausationID),
	)
	if err != nil {
		return errors.WrapTransient(err, "Ledger", "AppendEvent", "insert event")
	}
	return nil
}

// ReadUnforwarded returns up to limit events with forwarded=false, ordered by
// received_at ascending, tie-broken by event_id.
func (q *Queries) ReadUnforwarded(ctx context.Context, limit int) ([]*event.Event, error) {
	rows, err := q.db.Query(ctx, `
		SELECT event_id, occurred_at, received_at, source,
		       subject_kind, subject_id, event_type, schema_version,
		       payload, COALESCE(correlation_id, ''), COALESCE(causation_id, ''), forwarded
		FROM events
		WHERE NOT forwarded
		ORDER BY received_at ASC, event_id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, errors.WrapTransient(err, "Ledger", "ReadUnforwarded", "query events")
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		var e event.Event
		var typ string
		if err := rows.Scan(
			&e.EventID, &e.OccurredAt, &e.ReceivedAt, &e.Source,
			&e.SubjectKind, &e.SubjectID, &typ, &e.SchemaVersion,
			&e.Payload, &e.CorrelationID, &e.CausationID, &e.Forwarded,
		); err != nil {
			return nil, errors.WrapTransient(err, "Ledger", "ReadUnforwarded", "scan event")
		}
		e.Type = event.Type(typ)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Ledger", "ReadUnforwarded", "iterate events")
	}
	return out, nil
}

// MarkForwarded flips forwarded to true for the given ids. Already-forwarded
// ids are a no-op per row.
func (q *Queries) MarkForwarded(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := q.db.Exec(ctx,
		`UPDATE events SET forwarded = TRUE WHERE event_id = ANY($1) AND NOT forwarded`,
		eventIDs)
	if err != nil {
		return errors.WrapTransient(err, "Ledger", "MarkForwarded", "update events")
	}
	return nil
}

// ClearForwarded resets the forwarded flag on every event, enabling a full
// replay through the outbox after the bus is recreated.
func (q *Queries) ClearForwarded(ctx context.Context) error {
	_, err := q.db.Exec(ctx, `UPDATE events SET forwarded = FALSE`)
	if err != nil {
		return errors.WrapTransient(err, "Ledger", "ClearForwarded", "update events")
	}
	return nil
}

// GetEvent fetches a single ledger event by id.
func (q *Queries) GetEvent(ctx context.Context, eventID string) (*event.Event, error) {
	var e event.Event
	var typ string
	err := q.db.QueryRow(ctx, `
		SELECT event_id, occurred_at, received_at, source,
		       subject_kind, subject_id, event_type, schema_version,
		       payload, COALESCE(correlation_id, ''), COALESCE(causation_id, ''), forwarded
		FROM events WHERE event_id = $1`, eventID).Scan(
		&e.EventID, &e.OccurredAt, &e.ReceivedAt, &e.Source,
		&e.SubjectKind, &e.SubjectID, &typ, &e.SchemaVersion,
		&e.Payload, &e.CorrelationID, &e.CausationID, &e.Forwarded,
	)
	if err != nil {
		return nil, errors.Wrap(errors.ErrEventNotFound, "Ledger", "GetEvent", eventID)
	}
	e.Type = event.Type(typ)
	return &e, nil
}

// CountWorkFailures counts work.failed events whose embedded work command
// matches the given subject and triggering event.
func (q *Queries) CountWorkFailures(ctx context.Context, subjectID, triggeredByEventID string) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM events
		WHERE event_type = 'work.failed'
		  AND payload -> 'work_message' ->> 'subject_id' = $1
		  AND payload -> 'work_message' ->> 'triggered_by_event_id' = $2`,
		subjectID, triggeredByEventID).Scan(&n)
	if err != nil {
		return 0, errors.WrapTransient(err, "Ledger", "CountWorkFailures", "count events")
	}
	return n, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
