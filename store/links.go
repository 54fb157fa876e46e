package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/c360/lifestream/errors"
	"github.com/c360/lifestream/event"
)

// Link is the projected state of a link subject.
type Link struct {
	SubjectID   string
	URL         string
	URLNorm     string
	Source      string
	Status      string
	Visibility  string
	Pinned      bool
	RetryCount  int
	LastErrorAt *time.Time
	LastError   string
}

// LinkMetadata is the enrichment projection of a link subject.
type LinkMetadata struct {
	SubjectID    string
	Tags         []string
	SummaryShort string
	SummaryLong  string
	Language     string
	ModelVersion string
}

// PublishState tracks the publish versioning of a link subject.
type PublishState struct {
	SubjectID        string
	DesiredVersion   int
	PublishedVersion int
	Dirty            bool
	LastPublishedAt  *time.Time
}

// UpsertSubject creates the subject registry row if missing. Subjects are a
// projection, never a constraint; events may reference subjects that do not
// exist yet.
func (q *Queries) UpsertSubject(ctx context.Context, kind, id string) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO subjects (kind, id) VALUES ($1, $2)
		ON CONFLICT (kind, id) DO NOTHING`, kind, id)
	if err != nil {
		return errors.WrapTransient(err, "Store", "UpsertSubject", id)
	}
	return nil
}

// SetSubjectVisibility updates the registry visibility.
func (q *Queries) SetSubjectVisibility(ctx context.Context, kind, id, visibility string) error {
	_, err := q.db.Exec(ctx,
		`UPDATE subjects SET visibility = $3 WHERE kind = $1 AND id = $2`,
		kind, id, visibility)
	if err != nil {
		return errors.WrapTransient(err, "Store", "SetSubjectVisibility", id)
	}
	return nil
}

// InsertLink creates the link row in status new. An existing row is left
// untouched: replayed link.added events never downgrade status.
func (q *Queries) InsertLink(ctx context.Context, subjectID, url, urlNorm, source string) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO links (subject_id, url, url_norm, source, status, visibility, pinned)
		VALUES ($1, $2, $3, $4, 'new', 'public', FALSE)
		ON CONFLICT (subject_id) DO NOTHING`,
		subjectID, url, urlNorm, source)
	if err != nil {
		return errors.WrapTransient(err, "Store", "InsertLink", subjectID)
	}
	return nil
}

// GetLink fetches a link row. Returns ErrSubjectNotFound when absent.
func (q *Queries) GetLink(ctx context.Context, subjectID string) (*Link, error) {
	var l Link
	err := q.db.QueryRow(ctx, `
		SELECT subject_id, url, url_norm, source, status, visibility, pinned,
		       retry_count, last_error_at, COALESCE(last_error, '')
		FROM links WHERE subject_id = $1`, subjectID).Scan(
		&l.SubjectID, &l.URL, &l.URLNorm, &l.Source, &l.Status, &l.Visibility,
		&l.Pinned, &l.RetryCount, &l.LastErrorAt, &l.LastError)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.ErrSubjectNotFound
		}
		return nil, errors.WrapTransient(err, "Store", "GetLink", subjectID)
	}
	return &l, nil
}

// PromoteLinkStatus moves a link to the given status only when its current
// status is one of from. Replayed or reordered events that would move the
// status backwards fall through as no-ops.
func (q *Queries) PromoteLinkStatus(ctx context.Context, subjectID, to string, from ...string) error {
	_, err := q.db.Exec(ctx,
		`UPDATE links SET status = $2 WHERE subject_id = $1 AND status = ANY($3)`,
		subjectID, to, from)
	if err != nil {
		return errors.WrapTransient(err, "Store", "PromoteLinkStatus", subjectID)
	}
	return nil
}

// SetLinkError marks the link errored, bumps the retry counter, and records
// the message. Terminal published links are left alone.
func (q *Queries) SetLinkError(ctx context.Context, subjectID, message string, at time.Time) error {
	_, err := q.db.Exec(ctx, `
		UPDATE links
		SET status = 'error', retry_count = retry_count + 1,
		    last_error = $2, last_error_at = $3
		WHERE subject_id = $1 AND status <> 'published'`,
		subjectID, message, at)
	if err != nil {
		return errors.WrapTransient(err, "Store", "SetLinkError", subjectID)
	}
	return nil
}

// ClearLinkError removes the recorded error after a successful fetch.
func (q *Queries) ClearLinkError(ctx context.Context, subjectID string) error {
	_, err := q.db.Exec(ctx,
		`UPDATE links SET last_error = NULL, last_error_at = NULL WHERE subject_id = $1`,
		subjectID)
	if err != nil {
		return errors.WrapTransient(err, "Store", "ClearLinkError", subjectID)
	}
	return nil
}

// SetLinkVisibility updates the link row visibility.
func (q *Queries) SetLinkVisibility(ctx context.Context, subjectID, visibility string) error {
	_, err := q.db.Exec(ctx,
		`UPDATE links SET visibility = $2 WHERE subject_id = $1`, subjectID, visibility)
	if err != nil {
		return errors.WrapTransient(err, "Store", "SetLinkVisibility", subjectID)
	}
	return nil
}

// ListLinksByStatus returns up to limit links in the given status, oldest
// error first for stable admin output.
func (q *Queries) ListLinksByStatus(ctx context.Context, status string, limit int) ([]*Link, error) {
	rows, err := q.db.Query(ctx, `
		SELECT subject_id, url, url_norm, source, status, visibility, pinned,
		       retry_count, last_error_at, COALESCE(last_error, '')
		FROM links WHERE status = $1
		ORDER BY last_error_at NULLS FIRST, subject_id
		LIMIT $2`, status, limit)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "ListLinksByStatus", status)
	}
	defer rows.Close()
	return scanLinks(rows)
}

// ListLinks returns up to limit links regardless of status.
func (q *Queries) ListLinks(ctx context.Context, limit int) ([]*Link, error) {
	rows, err := q.db.Query(ctx, `
		SELECT subject_id, url, url_norm, source, status, visibility, pinned,
		       retry_count, last_error_at, COALESCE(last_error, '')
		FROM links ORDER BY subject_id LIMIT $1`, limit)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "ListLinks", "query links")
	}
	defer rows.Close()
	return scanLinks(rows)
}

func scanLinks(rows pgx.Rows) ([]*Link, error) {
	var out []*Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(
			&l.SubjectID, &l.URL, &l.URLNorm, &l.Source, &l.Status, &l.Visibility,
			&l.Pinned, &l.RetryCount, &l.LastErrorAt, &l.LastError,
		); err != nil {
			return nil, errors.WrapTransient(err, "Store", "scanLinks", "scan link")
		}
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Store", "scanLinks", "iterate links")
	}
	return out, nil
}

// UpsertLinkContent writes the fetch result. Exactly one row per link subject.
func (q *Queries) UpsertLinkContent(
	ctx context.Context,
	subjectID string,
	p *event.ContentFetched,
	fetchedAt time.Time,
) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO link_content (subject_id, final_url, title, text_content, html_storage_key, fetched_at, fetch_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subject_id) DO UPDATE SET
			final_url = EXCLUDED.final_url,
			title = EXCLUDED.title,
			text_content = EXCLUDED.text_content,
			html_storage_key = EXCLUDED.html_storage_key,
			fetched_at = EXCLUDED.fetched_at,
			fetch_error = EXCLUDED.fetch_error`,
		subjectID, p.FinalURL, nullable(p.Title), nullable(p.TextContent),
		nullable(p.HTMLStorageKey), fetchedAt, nullable(p.FetchError))
	if err != nil {
		return errors.WrapTransient(err, "Store", "UpsertLinkContent", subjectID)
	}
	return nil
}

// HasContent reports whether usable fetched content exists for the subject.
func (q *Queries) HasContent(ctx context.Context, subjectID string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM link_content
			WHERE subject_id = $1 AND text_content IS NOT NULL AND fetch_error IS NULL
		)`, subjectID).Scan(&exists)
	if err != nil {
		return false, errors.WrapTransient(err, "Store", "HasContent", subjectID)
	}
	return exists, nil
}

// GetLinkContent fetches the content row.
func (q *Queries) GetLinkContent(ctx context.Context, subjectID string) (*event.ContentFetched, error) {
	var p event.ContentFetched
	var title, text, key, fetchErr *string
	err := q.db.QueryRow(ctx, `
		SELECT COALESCE(final_url, ''), title, text_content, html_storage_key, fetch_error
		FROM link_content WHERE subject_id = $1`, subjectID).Scan(
		&p.FinalURL, &title, &text, &key, &fetchErr)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.ErrSubjectNotFound
		}
		return nil, errors.WrapTransient(err, "Store", "GetLinkContent", subjectID)
	}
	p.Title = deref(title)
	p.TextContent = deref(text)
	p.HTMLStorageKey = deref(key)
	p.FetchError = deref(fetchErr)
	return &p, nil
}

// UpsertLinkMetadata writes the enrichment result. A non-empty existing tag
// set is never overwritten by an empty incoming one.
func (q *Queries) UpsertLinkMetadata(ctx context.Context, subjectID string, p *event.EnrichmentCompleted) error {
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO link_metadata (subject_id, tags, summary_short, summary_long, language, model_version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject_id) DO UPDATE SET
			tags = CASE
				WHEN cardinality(EXCLUDED.tags) = 0 AND cardinality(link_metadata.tags) > 0
				THEN link_metadata.tags
				ELSE EXCLUDED.tags
			END,
			summary_short = EXCLUDED.summary_short,
			summary_long = EXCLUDED.summary_long,
			language = EXCLUDED.language,
			model_version = EXCLUDED.model_version`,
		subjectID, tags, nullable(p.SummaryShort), nullable(p.SummaryLong),
		nullable(p.Language), nullable(p.ModelVersion))
	if err != nil {
		return errors.WrapTransient(err, "Store", "UpsertLinkMetadata", subjectID)
	}
	return nil
}

// HasMetadata reports whether enrichment metadata is already filled.
func (q *Queries) HasMetadata(ctx context.Context, subjectID string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM link_metadata
			WHERE subject_id = $1 AND cardinality(tags) > 0
		)`, subjectID).Scan(&exists)
	if err != nil {
		return false, errors.WrapTransient(err, "Store", "HasMetadata", subjectID)
	}
	return exists, nil
}

// GetLinkMetadata fetches the metadata row.
func (q *Queries) GetLinkMetadata(ctx context.Context, subjectID string) (*LinkMetadata, error) {
	var m LinkMetadata
	var short, long, lang, model *string
	err := q.db.QueryRow(ctx, `
		SELECT subject_id, tags, summary_short, summary_long, language, model_version
		FROM link_metadata WHERE subject_id = $1`, subjectID).Scan(
		&m.SubjectID, &m.Tags, &short, &long, &lang, &model)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.ErrSubjectNotFound
		}
		return nil, errors.WrapTransient(err, "Store", "GetLinkMetadata", subjectID)
	}
	m.SummaryShort = deref(short)
	m.SummaryLong = deref(long)
	m.Language = deref(lang)
	m.ModelVersion = deref(model)
	return &m, nil
}

// DeleteLinkDerived removes fetched content and enrichment metadata for a
// subject. Used by retry-of-exhausted before re-emitting link.added.
func (q *Queries) DeleteLinkDerived(ctx context.Context, subjectID string) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM link_content WHERE subject_id = $1`, subjectID); err != nil {
		return errors.WrapTransient(err, "Store", "DeleteLinkDerived", subjectID)
	}
	if _, err := q.db.Exec(ctx, `DELETE FROM link_metadata WHERE subject_id = $1`, subjectID); err != nil {
		return errors.WrapTransient(err, "Store", "DeleteLinkDerived", subjectID)
	}
	return nil
}

// BumpPublishDesired increments desired_version and marks the publish state
// dirty. Called once per enrichment completion.
func (q *Queries) BumpPublishDesired(ctx context.Context, subjectID string) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO publish_state (subject_id, desired_version, published_version, dirty)
		VALUES ($1, 1, 0, TRUE)
		ON CONFLICT (subject_id) DO UPDATE SET
			desired_version = publish_state.desired_version + 1,
			dirty = TRUE`, subjectID)
	if err != nil {
		return errors.WrapTransient(err, "Store", "BumpPublishDesired", subjectID)
	}
	return nil
}

// CompletePublish records a successful publish: published catches up with
// desired and the state is clean.
func (q *Queries) CompletePublish(ctx context.Context, subjectID string, at time.Time) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO publish_state (subject_id, desired_version, published_version, dirty, last_published_at)
		VALUES ($1, 0, 0, FALSE, $2)
		ON CONFLICT (subject_id) DO UPDATE SET
			published_version = publish_state.desired_version,
			dirty = FALSE,
			last_published_at = $2`, subjectID, at)
	if err != nil {
		return errors.WrapTransient(err, "Store", "CompletePublish", subjectID)
	}
	return nil
}

// GetPublishState fetches the publish state row.
func (q *Queries) GetPublishState(ctx context.Context, subjectID string) (*PublishState, error) {
	var s PublishState
	err := q.db.QueryRow(ctx, `
		SELECT subject_id, desired_version, published_version, dirty, last_published_at
		FROM publish_state WHERE subject_id = $1`, subjectID).Scan(
		&s.SubjectID, &s.DesiredVersion, &s.PublishedVersion, &s.Dirty, &s.LastPublishedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.ErrSubjectNotFound
		}
		return nil, errors.WrapTransient(err, "Store", "GetPublishState", subjectID)
	}
	return &s, nil
}

// PublishClean reports whether the subject has nothing to publish: a state row
// exists, is not dirty, and published has caught up with desired. A missing
// row reads as not clean so the first enrichment always triggers a publish.
func (q *Queries) PublishClean(ctx context.Context, subjectID string) (bool, error) {
	var clean bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM publish_state
			WHERE subject_id = $1 AND NOT dirty AND published_version >= desired_version
		)`, subjectID).Scan(&clean)
	if err != nil {
		return false, errors.WrapTransient(err, "Store", "PublishClean", subjectID)
	}
	return clean, nil
}

// ListEnrichedUnpublished returns link subjects sitting in enriched status
// with a dirty publish state. Admin recovery re-emits their enrichment.
func (q *Queries) ListEnrichedUnpublished(ctx context.Context, limit int) ([]string, error) {
	rows, err := q.db.Query(ctx, `
		SELECT l.subject_id FROM links l
		JOIN publish_state p ON p.subject_id = l.subject_id
		WHERE l.status = 'enriched' AND p.dirty
		ORDER BY l.subject_id LIMIT $1`, limit)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "ListEnrichedUnpublished", "query links")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.WrapTransient(err, "Store", "ListEnrichedUnpublished", "scan id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
