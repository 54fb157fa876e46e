package materializer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/lifestream/errors"
	"github.com/c360/lifestream/event"
	"github.com/c360/lifestream/identity"
	"github.com/c360/lifestream/store"
)

// memProjector is an in-memory Projector used to verify the fold of events
// into link state without a database.
type memProjector struct {
	subjects     map[string]string // kind:id -> visibility
	links        map[string]*store.Link
	content      map[string]*event.ContentFetched
	metadata     map[string]*event.EnrichmentCompleted
	publish      map[string]*store.PublishState
	readings     map[string]int
	latest       map[string]time.Time
	todos        map[string]string // subject -> status
	annotations  map[string]*event.AnnotationAdded
}

func newMemProjector() *memProjector {
	return &memProjector{
		subjects:    map[string]string{},
		links:       map[string]*store.Link{},
		content:     map[string]*event.ContentFetched{},
		metadata:    map[string]*event.EnrichmentCompleted{},
		publish:     map[string]*store.PublishState{},
		readings:    map[string]int{},
		latest:      map[string]time.Time{},
		todos:       map[string]string{},
		annotations: map[string]*event.AnnotationAdded{},
	}
}

func (m *memProjector) UpsertSubject(_ context.Context, kind, id string) error {
	key := kind + ":" + id
	if _, ok := m.subjects[key]; !ok {
		m.subjects[key] = event.VisibilityPublic
	}
	return nil
}

func (m *memProjector) SetSubjectVisibility(_ context.Context, kind, id, visibility string) error {
	m.subjects[kind+":"+id] = visibility
	return nil
}

func (m *memProjector) InsertLink(_ context.Context, subjectID, url, urlNorm, source string) error {
	if _, ok := m.links[subjectID]; ok {
		return nil
	}
	m.links[subjectID] = &store.Link{
		SubjectID: subjectID, URL: url, URLNorm: urlNorm, Source: source,
		Status: event.StatusNew, Visibility: event.VisibilityPublic,
	}
	return nil
}

func (m *memProjector) GetLink(_ context.Context, subjectID string) (*store.Link, error) {
	l, ok := m.links[subjectID]
	if !ok {
		return nil, errors.ErrSubjectNotFound
	}
	return l, nil
}

func (m *memProjector) PromoteLinkStatus(_ context.Context, subjectID, to string, from ...string) error {
	l, ok := m.links[subjectID]
	if !ok {
		return nil
	}
	for _, f := range from {
		if l.Status == f {
			l.Status = to
			return nil
		}
	}
	return nil
}

func (m *memProjector) SetLinkError(_ context.Context, subjectID, message string, at time.Time) error {
	l, ok := m.links[subjectID]
	if !ok || l.Status == event.StatusPublished {
		return nil
	}
	l.Status = event.StatusError
	l.RetryCount++
	l.LastError = message
	l.LastErrorAt = &at
	return nil
}

func (m *memProjector) ClearLinkError(_ context.Context, subjectID string) error {
	if l, ok := m.links[subjectID]; ok {
		l.LastError = ""
		l.LastErrorAt = nil
	}
	return nil
}

func (m *memProjector) SetLinkVisibility(_ context.Context, subjectID, visibility string) error {
	if l, ok := m.links[subjectID]; ok {
		l.Visibility = visibility
	}
	return nil
}

func (m *memProjector) UpsertLinkContent(_ context.Context, subjectID string, p *event.ContentFetched, _ time.Time) error {
	m.content[subjectID] = p
	return nil
}

func (m *memProjector) UpsertLinkMetadata(_ context.Context, subjectID string, p *event.EnrichmentCompleted) error {
	existing, ok := m.metadata[subjectID]
	if ok && len(existing.Tags) > 0 && len(p.Tags) == 0 {
		kept := *p
		kept.Tags = existing.Tags
		m.metadata[subjectID] = &kept
		return nil
	}
	m.metadata[subjectID] = p
	return nil
}

func (m *memProjector) BumpPublishDesired(_ context.Context, subjectID string) error {
	s, ok := m.publish[subjectID]
	if !ok {
		s = &store.PublishState{SubjectID: subjectID}
		m.publish[subjectID] = s
	}
	s.DesiredVersion++
	s.Dirty = true
	return nil
}

func (m *memProjector) CompletePublish(_ context.Context, subjectID string, at time.Time) error {
	s, ok := m.publish[subjectID]
	if !ok {
		s = &store.PublishState{SubjectID: subjectID}
		m.publish[subjectID] = s
	}
	s.PublishedVersion = s.DesiredVersion
	s.Dirty = false
	s.LastPublishedAt = &at
	return nil
}

func (m *memProjector) InsertSensorReading(_ context.Context, subjectID string, _ time.Time, _ *event.TempReading) error {
	m.readings[subjectID]++
	return nil
}

func (m *memProjector) UpsertSensorLatest(_ context.Context, subjectID string, recordedAt time.Time, _ *event.TempReading) error {
	if prev, ok := m.latest[subjectID]; ok && !recordedAt.After(prev) {
		return nil
	}
	m.latest[subjectID] = recordedAt
	return nil
}

func (m *memProjector) UpsertTodo(_ context.Context, subjectID string, _ *event.TodoCreated) error {
	if _, ok := m.todos[subjectID]; !ok {
		m.todos[subjectID] = "open"
	}
	return nil
}

func (m *memProjector) CompleteTodo(_ context.Context, subjectID string, _ time.Time) error {
	m.todos[subjectID] = "done"
	return nil
}

func (m *memProjector) UpsertAnnotation(_ context.Context, p *event.AnnotationAdded, _ time.Time) error {
	m.annotations[p.AnnotationID] = p
	return nil
}

func apply(t *testing.T, q Projector, typ event.Type, subjectID string, payload any) {
	t.Helper()
	e, err := event.New("test", identity.KindLink, subjectID, typ, payload)
	require.NoError(t, err)
	handler, ok := handlers[typ]
	require.True(t, ok)
	require.NoError(t, handler(context.Background(), q, e))
}

func TestHappyPathFold(t *testing.T) {
	q := newMemProjector()
	sub := "link:abc"

	apply(t, q, event.TypeLinkAdded, sub, event.LinkAdded{URL: "https://Example.com/a/", URLNorm: ""})
	require.Contains(t, q.links, sub)
	assert.Equal(t, event.StatusNew, q.links[sub].Status)
	assert.Equal(t, "https://example.com/a", q.links[sub].URLNorm)
	assert.Contains(t, q.subjects, "link:"+sub)

	apply(t, q, event.TypeContentFetched, sub, event.ContentFetched{
		FinalURL: "https://example.com/a", Title: "T", TextContent: "body",
	})
	assert.Equal(t, event.StatusFetched, q.links[sub].Status)

	apply(t, q, event.TypeEnrichmentCompleted, sub, event.EnrichmentCompleted{Tags: []string{"x", "y"}})
	assert.Equal(t, event.StatusEnriched, q.links[sub].Status)
	assert.Equal(t, 1, q.publish[sub].DesiredVersion)
	assert.True(t, q.publish[sub].Dirty)

	apply(t, q, event.TypePublishCompleted, sub, event.PublishCompleted{PublishedAt: time.Now().UTC()})
	assert.Equal(t, event.StatusPublished, q.links[sub].Status)
	assert.False(t, q.publish[sub].Dirty)
	assert.Equal(t, q.publish[sub].DesiredVersion, q.publish[sub].PublishedVersion)
}

func TestReplayedLinkAddedNeverDowngrades(t *testing.T) {
	q := newMemProjector()
	sub := "link:abc"

	apply(t, q, event.TypeLinkAdded, sub, event.LinkAdded{URL: "https://example.com/a"})
	apply(t, q, event.TypeContentFetched, sub, event.ContentFetched{FinalURL: "https://example.com/a", TextContent: "body"})
	assert.Equal(t, event.StatusFetched, q.links[sub].Status)

	apply(t, q, event.TypeLinkAdded, sub, event.LinkAdded{URL: "https://example.com/a"})
	assert.Equal(t, event.StatusFetched, q.links[sub].Status, "replayed link.added must not reset status")
}

func TestFetchErrorSetsErrorStatus(t *testing.T) {
	q := newMemProjector()
	sub := "link:abc"

	apply(t, q, event.TypeLinkAdded, sub, event.LinkAdded{URL: "https://example.com/a"})
	apply(t, q, event.TypeContentFetched, sub, event.ContentFetched{
		FinalURL: "https://example.com/a", FetchError: "no readable text",
	})

	assert.Equal(t, event.StatusError, q.links[sub].Status)
	assert.Equal(t, 1, q.links[sub].RetryCount)
	assert.Equal(t, "no readable text", q.links[sub].LastError)
	assert.NotNil(t, q.links[sub].LastErrorAt)
}

func TestEnrichmentPromotesFromNewAndNeverDowngrades(t *testing.T) {
	q := newMemProjector()
	sub := "link:abc"

	// Enrichment arriving while still new promotes straight to enriched.
	apply(t, q, event.TypeLinkAdded, sub, event.LinkAdded{URL: "https://example.com/a"})
	apply(t, q, event.TypeEnrichmentCompleted, sub, event.EnrichmentCompleted{Tags: []string{"x"}})
	assert.Equal(t, event.StatusEnriched, q.links[sub].Status)

	// A replay once published must not move the status back.
	apply(t, q, event.TypePublishCompleted, sub, event.PublishCompleted{})
	apply(t, q, event.TypeEnrichmentCompleted, sub, event.EnrichmentCompleted{Tags: []string{"x"}})
	assert.Equal(t, event.StatusPublished, q.links[sub].Status)
}

func TestFetchedNeverJumpsToPublished(t *testing.T) {
	q := newMemProjector()
	sub := "link:abc"

	apply(t, q, event.TypeLinkAdded, sub, event.LinkAdded{URL: "https://example.com/a"})
	apply(t, q, event.TypeContentFetched, sub, event.ContentFetched{FinalURL: "https://example.com/a", TextContent: "body"})
	apply(t, q, event.TypePublishCompleted, sub, event.PublishCompleted{})

	assert.Equal(t, event.StatusFetched, q.links[sub].Status,
		"publish completion must not promote a link that was never enriched")
}

func TestDuplicateEnrichmentConverges(t *testing.T) {
	q := newMemProjector()
	sub := "link:abc"

	apply(t, q, event.TypeLinkAdded, sub, event.LinkAdded{URL: "https://example.com/a"})
	apply(t, q, event.TypeEnrichmentCompleted, sub, event.EnrichmentCompleted{Tags: []string{"x"}})
	apply(t, q, event.TypeEnrichmentCompleted, sub, event.EnrichmentCompleted{Tags: []string{"x"}})

	assert.Equal(t, 2, q.publish[sub].DesiredVersion, "each distinct enrichment bumps desired")
	assert.True(t, q.publish[sub].Dirty)

	apply(t, q, event.TypePublishCompleted, sub, event.PublishCompleted{})
	assert.False(t, q.publish[sub].Dirty)
	assert.Equal(t, 2, q.publish[sub].PublishedVersion)
}

func TestEmptyTagsNeverOverwriteNonEmpty(t *testing.T) {
	q := newMemProjector()
	sub := "link:abc"

	apply(t, q, event.TypeLinkAdded, sub, event.LinkAdded{URL: "https://example.com/a"})
	apply(t, q, event.TypeEnrichmentCompleted, sub, event.EnrichmentCompleted{Tags: []string{"x", "y"}})
	apply(t, q, event.TypeEnrichmentCompleted, sub, event.EnrichmentCompleted{Tags: nil, SummaryShort: "s"})

	assert.Equal(t, []string{"x", "y"}, q.metadata[sub].Tags)
	assert.Equal(t, "s", q.metadata[sub].SummaryShort)
}

func TestVisibilityChanged(t *testing.T) {
	q := newMemProjector()
	sub := "link:abc"

	apply(t, q, event.TypeLinkAdded, sub, event.LinkAdded{URL: "https://example.com/a"})
	apply(t, q, event.TypeVisibilityChanged, sub, event.VisibilityChanged{Visibility: event.VisibilityPrivate})

	assert.Equal(t, event.VisibilityPrivate, q.links[sub].Visibility)
	assert.Equal(t, event.VisibilityPrivate, q.subjects["link:"+sub])
}

func TestVisibilityChangedRejectsBadValue(t *testing.T) {
	q := newMemProjector()
	e, err := event.New("admin:cli", identity.KindLink, "link:abc",
		event.TypeVisibilityChanged, event.VisibilityChanged{Visibility: "sorta-public"})
	require.NoError(t, err)

	err = handlers[event.TypeVisibilityChanged](context.Background(), q, e)
	require.Error(t, err)
}

func TestSensorLatestOnlyMovesForward(t *testing.T) {
	q := newMemProjector()
	sub := "sensor:living-room"

	older, err := event.New("homeassistant", identity.KindSensor, sub, event.TypeTempReading, event.TempReading{Celsius: 20})
	require.NoError(t, err)
	older.OccurredAt = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	newer, err := event.New("homeassistant", identity.KindSensor, sub, event.TypeTempReading, event.TempReading{Celsius: 22})
	require.NoError(t, err)
	newer.OccurredAt = time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)

	h := handlers[event.TypeTempReading]
	require.NoError(t, h(context.Background(), q, newer))
	require.NoError(t, h(context.Background(), q, older))

	assert.Equal(t, 2, q.readings[sub], "every reading lands in the time series")
	assert.Equal(t, newer.OccurredAt, q.latest[sub], "latest never moves backwards")
}

func TestTodoLifecycle(t *testing.T) {
	q := newMemProjector()
	sub := "todo:42"

	apply(t, q, event.TypeTodoCreated, sub, event.TodoCreated{Title: "write tests"})
	assert.Equal(t, "open", q.todos[sub])

	apply(t, q, event.TypeTodoCompleted, sub, event.TodoCompleted{})
	assert.Equal(t, "done", q.todos[sub])
}

func TestAnnotationAttachesToLink(t *testing.T) {
	q := newMemProjector()

	apply(t, q, event.TypeAnnotationAdded, "annotation:a1", event.AnnotationAdded{
		AnnotationID:  "a1",
		LinkSubjectID: "link:abc",
		Quote:         "quoted text",
	})
	require.Contains(t, q.annotations, "a1")
	assert.Equal(t, "link:abc", q.annotations["a1"].LinkSubjectID)
}

func TestThreeWorkFailuresFoldToError(t *testing.T) {
	q := newMemProjector()
	sub := "link:abc"

	apply(t, q, event.TypeLinkAdded, sub, event.LinkAdded{URL: "https://example.com/a"})

	for attempt := 1; attempt <= 3; attempt++ {
		apply(t, q, event.TypeWorkFailed, sub, event.WorkFailed{
			Work: event.WorkCommand{
				SubjectID: sub, WorkType: event.WorkFetchLink,
				Attempt: attempt, MaxAttempts: 3,
				TriggeredByEventID: "ev-0",
			},
			Error: "connect timeout",
			Agent: "fetcher",
		})
	}

	assert.Equal(t, event.StatusError, q.links[sub].Status)
	assert.Equal(t, 3, q.links[sub].RetryCount, "each distinct failure bumps the counter")
	assert.Equal(t, "connect timeout", q.links[sub].LastError)
	assert.NotNil(t, q.links[sub].LastErrorAt)
}

func TestWorkFailedThenSuccessRecovers(t *testing.T) {
	q := newMemProjector()
	sub := "link:abc"

	apply(t, q, event.TypeLinkAdded, sub, event.LinkAdded{URL: "https://example.com/a"})
	apply(t, q, event.TypeWorkFailed, sub, event.WorkFailed{
		Work:  event.WorkCommand{SubjectID: sub, WorkType: event.WorkFetchLink, Attempt: 1, MaxAttempts: 3},
		Error: "connect timeout",
		Agent: "fetcher",
	})
	assert.Equal(t, event.StatusError, q.links[sub].Status)

	apply(t, q, event.TypeContentFetched, sub, event.ContentFetched{
		FinalURL: "https://example.com/a", TextContent: "body",
	})
	assert.Equal(t, event.StatusFetched, q.links[sub].Status,
		"a successful retry recovers the errored row")
	assert.Empty(t, q.links[sub].LastError)
	assert.Equal(t, 1, q.links[sub].RetryCount, "the attempt history stays on the row")
}

func TestWorkFailedForUnknownWorkTypeIsDropped(t *testing.T) {
	q := newMemProjector()
	sub := "link:abc"

	apply(t, q, event.TypeLinkAdded, sub, event.LinkAdded{URL: "https://example.com/a"})
	apply(t, q, event.TypeWorkFailed, sub, event.WorkFailed{
		Work:  event.WorkCommand{SubjectID: sub, WorkType: event.WorkType("reindex_graph"), Attempt: 1, MaxAttempts: 3},
		Error: "boom",
	})
	assert.Equal(t, event.StatusNew, q.links[sub].Status)
	assert.Zero(t, q.links[sub].RetryCount)
}
