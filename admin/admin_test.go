package admin

import (
	"bytes"
	"context"
	stderrors "errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/lifestream/errors"
	"github.com/c360/lifestream/event"
	"github.com/c360/lifestream/store"
)

type fakeAdminStore struct {
	links      map[string]*store.Link
	metadata   map[string]*store.LinkMetadata
	publish    map[string]*store.PublishState
	stuck      []string
	appended   []*event.Event
	appendedID map[string]bool
}

func newFakeAdminStore() *fakeAdminStore {
	return &fakeAdminStore{
		links:      map[string]*store.Link{},
		metadata:   map[string]*store.LinkMetadata{},
		publish:    map[string]*store.PublishState{},
		appendedID: map[string]bool{},
	}
}

func (f *fakeAdminStore) GetLink(_ context.Context, subjectID string) (*store.Link, error) {
	l, ok := f.links[subjectID]
	if !ok {
		return nil, errors.ErrSubjectNotFound
	}
	return l, nil
}

func (f *fakeAdminStore) ListLinks(_ context.Context, limit int) ([]*store.Link, error) {
	var out []*store.Link
	for _, l := range f.links {
		if len(out) >= limit {
			break
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeAdminStore) ListLinksByStatus(_ context.Context, status string, limit int) ([]*store.Link, error) {
	var out []*store.Link
	for _, l := range f.links {
		if l.Status == status && len(out) < limit {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeAdminStore) GetLinkMetadata(_ context.Context, subjectID string) (*store.LinkMetadata, error) {
	m, ok := f.metadata[subjectID]
	if !ok {
		return nil, errors.ErrSubjectNotFound
	}
	return m, nil
}

func (f *fakeAdminStore) GetPublishState(_ context.Context, subjectID string) (*store.PublishState, error) {
	s, ok := f.publish[subjectID]
	if !ok {
		return nil, errors.ErrSubjectNotFound
	}
	return s, nil
}

func (f *fakeAdminStore) ListEnrichedUnpublished(_ context.Context, _ int) ([]string, error) {
	return f.stuck, nil
}

func (f *fakeAdminStore) AppendEvent(_ context.Context, e *event.Event) error {
	// Mirrors the ledger's ON CONFLICT DO NOTHING semantics.
	if f.appendedID[e.EventID] {
		return nil
	}
	f.appendedID[e.EventID] = true
	f.appended = append(f.appended, e)
	return nil
}

func TestSetVisibilitySingleSubject(t *testing.T) {
	db := newFakeAdminStore()
	db.links["link:a"] = &store.Link{SubjectID: "link:a", Visibility: "public", Status: "published"}

	var out bytes.Buffer
	n, err := SetVisibility(context.Background(), db, SetVisibilityOptions{
		SubjectID: "link:a", Visibility: "private",
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, db.appended, 1)
	e := db.appended[0]
	assert.Equal(t, event.TypeVisibilityChanged, e.Type)
	assert.Equal(t, "admin:set-visibility", e.Source)
	assert.Equal(t, "link:a", e.SubjectID)
}

func TestSetVisibilityIdempotentReEmission(t *testing.T) {
	db := newFakeAdminStore()
	db.links["link:a"] = &store.Link{SubjectID: "link:a", Visibility: "public"}

	var out bytes.Buffer
	_, err := SetVisibility(context.Background(), db, SetVisibilityOptions{SubjectID: "link:a", Visibility: "private"}, &out)
	require.NoError(t, err)
	_, err = SetVisibility(context.Background(), db, SetVisibilityOptions{SubjectID: "link:a", Visibility: "private"}, &out)
	require.NoError(t, err)

	assert.Len(t, db.appended, 1, "same operation re-run produces the same event id, a ledger no-op")
}

func TestSetVisibilitySkipsAlreadySet(t *testing.T) {
	db := newFakeAdminStore()
	db.links["link:a"] = &store.Link{SubjectID: "link:a", Visibility: "private"}

	var out bytes.Buffer
	n, err := SetVisibility(context.Background(), db, SetVisibilityOptions{SubjectID: "link:a", Visibility: "private"}, &out)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, db.appended)
}

func TestSetVisibilityDryRun(t *testing.T) {
	db := newFakeAdminStore()
	db.links["link:a"] = &store.Link{SubjectID: "link:a", Visibility: "public"}

	var out bytes.Buffer
	n, err := SetVisibility(context.Background(), db, SetVisibilityOptions{
		SubjectID: "link:a", Visibility: "private", DryRun: true,
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, db.appended)
	assert.Contains(t, out.String(), "would set link:a")
}

func TestSetVisibilityAllWithStatusFilter(t *testing.T) {
	db := newFakeAdminStore()
	db.links["link:a"] = &store.Link{SubjectID: "link:a", Status: "published", Visibility: "public"}
	db.links["link:b"] = &store.Link{SubjectID: "link:b", Status: "error", Visibility: "public"}

	var out bytes.Buffer
	n, err := SetVisibility(context.Background(), db, SetVisibilityOptions{
		All: true, Status: "published", Visibility: "private",
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "link:a", db.appended[0].SubjectID)
}

func TestSetVisibilityRejectsBadInput(t *testing.T) {
	db := newFakeAdminStore()

	var out bytes.Buffer
	_, err := SetVisibility(context.Background(), db, SetVisibilityOptions{SubjectID: "link:a", Visibility: "hidden"}, &out)
	require.Error(t, err)

	_, err = SetVisibility(context.Background(), db, SetVisibilityOptions{Visibility: "public"}, &out)
	require.Error(t, err, "either --subject-id or --all is required")
}

// recordingDB implements store.DBTX, capturing statements run inside the
// retry-failed transaction.
type recordingDB struct {
	execs []string
}

func (r *recordingDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	r.execs = append(r.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (r *recordingDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, stderrors.New("not implemented")
}

func (r *recordingDB) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

type fakeTxRunner struct {
	db *recordingDB
}

func (f *fakeTxRunner) WithTx(_ context.Context, fn func(q *store.Queries) error) error {
	return fn(store.NewQueries(f.db))
}

func TestRetryFailedClearsAndReEmits(t *testing.T) {
	db := newFakeAdminStore()
	db.links["link:a"] = &store.Link{
		SubjectID: "link:a", URL: "https://example.com/a", URLNorm: "https://example.com/a",
		Status: "error", RetryCount: 3, LastError: "connect timeout",
	}
	txr := &fakeTxRunner{db: &recordingDB{}}

	var out bytes.Buffer
	n, err := RetryFailed(context.Background(), db, txr, RetryFailedOptions{SubjectID: "link:a"}, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Content delete, metadata delete, event append, all in one tx.
	require.Len(t, txr.db.execs, 3)
	assert.Contains(t, txr.db.execs[0], "DELETE FROM link_content")
	assert.Contains(t, txr.db.execs[1], "DELETE FROM link_metadata")
	assert.Contains(t, txr.db.execs[2], "INSERT INTO events")
}

func TestRetryFailedRejectsHealthySubject(t *testing.T) {
	db := newFakeAdminStore()
	db.links["link:a"] = &store.Link{SubjectID: "link:a", Status: "published"}

	var out bytes.Buffer
	_, err := RetryFailed(context.Background(), db, &fakeTxRunner{db: &recordingDB{}},
		RetryFailedOptions{SubjectID: "link:a"}, &out)
	require.Error(t, err)
}

func TestRetryFailedHonorsMaxRetries(t *testing.T) {
	db := newFakeAdminStore()
	db.links["link:a"] = &store.Link{SubjectID: "link:a", Status: "error", RetryCount: 7}
	txr := &fakeTxRunner{db: &recordingDB{}}

	var out bytes.Buffer
	n, err := RetryFailed(context.Background(), db, txr, RetryFailedOptions{MaxRetries: 5}, &out)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, txr.db.execs)
}

func TestRecoverStuckSynthesizesEnrichment(t *testing.T) {
	db := newFakeAdminStore()
	db.stuck = []string{"link:a"}
	db.metadata["link:a"] = &store.LinkMetadata{
		SubjectID: "link:a", Tags: []string{"go", "events"},
		SummaryShort: "short", Language: "en", ModelVersion: "m1",
	}
	db.publish["link:a"] = &store.PublishState{SubjectID: "link:a", DesiredVersion: 2, Dirty: true}

	var out bytes.Buffer
	n, err := RecoverStuck(context.Background(), db, RecoverStuckOptions{All: true}, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, db.appended, 1)
	e := db.appended[0]
	assert.Equal(t, event.TypeEnrichmentCompleted, e.Type)
	assert.Equal(t, "admin:recover-stuck", e.Source)

	p, err := event.DecodePayload(e)
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "events"}, p.(*event.EnrichmentCompleted).Tags)
}

func TestRecoverStuckIdempotentPerDesiredVersion(t *testing.T) {
	db := newFakeAdminStore()
	db.metadata["link:a"] = &store.LinkMetadata{SubjectID: "link:a", Tags: []string{"x"}}
	db.publish["link:a"] = &store.PublishState{SubjectID: "link:a", DesiredVersion: 1, Dirty: true}

	var out bytes.Buffer
	_, err := RecoverStuck(context.Background(), db, RecoverStuckOptions{SubjectID: "link:a"}, &out)
	require.NoError(t, err)
	_, err = RecoverStuck(context.Background(), db, RecoverStuckOptions{SubjectID: "link:a"}, &out)
	require.NoError(t, err)

	assert.Len(t, db.appended, 1)
}

type fakeTopology struct {
	deleted, ensured int
}

func (f *fakeTopology) DeleteTopology(context.Context, int) error { f.deleted++; return nil }
func (f *fakeTopology) EnsureTopology(context.Context, int) error { f.ensured++; return nil }

type fakeBookkeeping struct {
	truncatedTopics []string
	progressCleared bool
	forwardsCleared bool
}

func (f *fakeBookkeeping) TruncateProcessed(_ context.Context, topic string) error {
	f.truncatedTopics = append(f.truncatedTopics, topic)
	return nil
}
func (f *fakeBookkeeping) TruncateProgress(context.Context) error { f.progressCleared = true; return nil }
func (f *fakeBookkeeping) ClearForwarded(context.Context) error   { f.forwardsCleared = true; return nil }

func TestResetBus(t *testing.T) {
	bus := &fakeTopology{}
	db := &fakeBookkeeping{}

	var out bytes.Buffer
	require.NoError(t, ResetBus(context.Background(), bus, db, 3, &out))

	assert.Equal(t, 1, bus.deleted)
	assert.Equal(t, 1, bus.ensured)
	assert.Equal(t, []string{"events.raw"}, db.truncatedTopics)
	assert.True(t, db.progressCleared)
	assert.True(t, db.forwardsCleared)
}
