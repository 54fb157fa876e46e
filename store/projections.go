package store

import (
	"context"
	"time"

	"github.com/c360/lifestream/errors"
	"github.com/c360/lifestream/event"
)

// InsertSensorReading appends a reading to the time series.
func (q *Queries) InsertSensorReading(
	ctx context.Context,
	subjectID string,
	recordedAt time.Time,
	p *event.TempReading,
) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO sensor_readings (subject_id, recorded_at, celsius, humidity, battery)
		VALUES ($1, $2, $3, $4, $5)`,
		subjectID, recordedAt, p.Celsius, p.Humidity, p.Battery)
	if err != nil {
		return errors.WrapTransient(err, "Store", "InsertSensorReading", subjectID)
	}
	return nil
}

// UpsertSensorLatest updates the latest row only when the incoming reading is
// strictly newer, so replays and reordering never move it backwards.
func (q *Queries) UpsertSensorLatest(
	ctx context.Context,
	subjectID string,
	recordedAt time.Time,
	p *event.TempReading,
) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO sensor_latest (subject_id, recorded_at, celsius, humidity, battery)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subject_id) DO UPDATE SET
			recorded_at = EXCLUDED.recorded_at,
			celsius = EXCLUDED.celsius,
			humidity = EXCLUDED.humidity,
			battery = EXCLUDED.battery
		WHERE EXCLUDED.recorded_at > sensor_latest.recorded_at`,
		subjectID, recordedAt, p.Celsius, p.Humidity, p.Battery)
	if err != nil {
		return errors.WrapTransient(err, "Store", "UpsertSensorLatest", subjectID)
	}
	return nil
}

// UpsertTodo writes the todo projection.
func (q *Queries) UpsertTodo(ctx context.Context, subjectID string, p *event.TodoCreated) error {
	labels := p.Labels
	if labels == nil {
		labels = []string{}
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO todos (subject_id, title, project, labels, due_at, status)
		VALUES ($1, $2, $3, $4, $5, 'open')
		ON CONFLICT (subject_id) DO UPDATE SET
			title = EXCLUDED.title,
			project = EXCLUDED.project,
			labels = EXCLUDED.labels,
			due_at = EXCLUDED.due_at`,
		subjectID, p.Title, nullable(p.Project), labels, p.DueAt)
	if err != nil {
		return errors.WrapTransient(err, "Store", "UpsertTodo", subjectID)
	}
	return nil
}

// CompleteTodo marks a todo done. The row is created if the completion event
// arrives before its creation (subjects are lazy).
func (q *Queries) CompleteTodo(ctx context.Context, subjectID string, completedAt time.Time) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO todos (subject_id, title, status, completed_at)
		VALUES ($1, '', 'done', $2)
		ON CONFLICT (subject_id) DO UPDATE SET
			status = 'done',
			completed_at = EXCLUDED.completed_at`,
		subjectID, completedAt)
	if err != nil {
		return errors.WrapTransient(err, "Store", "CompleteTodo", subjectID)
	}
	return nil
}

// UpsertAnnotation writes the annotation projection, attached to its link
// subject.
func (q *Queries) UpsertAnnotation(ctx context.Context, p *event.AnnotationAdded, createdAt time.Time) error {
	visibility := p.Visibility
	if visibility == "" {
		visibility = event.VisibilityPublic
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO annotations (annotation_id, link_subject_id, quote, note, selector, visibility, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (annotation_id) DO UPDATE SET
			quote = EXCLUDED.quote,
			note = EXCLUDED.note,
			selector = EXCLUDED.selector,
			visibility = EXCLUDED.visibility`,
		p.AnnotationID, p.LinkSubjectID, nullable(p.Quote), nullable(p.Note),
		nullable(p.Selector), visibility, createdAt)
	if err != nil {
		return errors.WrapTransient(err, "Store", "UpsertAnnotation", p.AnnotationID)
	}
	return nil
}
