package router

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/lifestream/event"
	"github.com/c360/lifestream/identity"
	"github.com/c360/lifestream/natsclient"
)

type fakeChecks struct {
	hasContent   bool
	hasMetadata  bool
	publishClean bool
}

func (f *fakeChecks) HasContent(context.Context, string) (bool, error)   { return f.hasContent, nil }
func (f *fakeChecks) HasMetadata(context.Context, string) (bool, error)  { return f.hasMetadata, nil }
func (f *fakeChecks) PublishClean(context.Context, string) (bool, error) { return f.publishClean, nil }

type sent struct {
	subject string
	msgID   string
	data    []byte
}

type fakePub struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakePub) Publish(_ context.Context, subject string, data []byte, msgID string, _ nats.Header) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{subject: subject, msgID: msgID, data: data})
	return nil
}

func newTestRouter(c *fakeChecks, pub *fakePub) *Router {
	return New(c, pub, nil, Config{
		Partitions:  3,
		MaxAttempts: map[string]int{"fetch_link": 3, "enrich_link": 3, "publish_link": 3},
	}, nil, nil)
}

func mkEvent(t *testing.T, typ event.Type, payload any) *event.Event {
	t.Helper()
	e, err := event.New("chrome", identity.KindLink, "link:abc", typ, payload)
	require.NoError(t, err)
	return e
}

func decodeWork(t *testing.T, data []byte) *event.WorkCommand {
	t.Helper()
	cmd, err := event.DecodeWorkCommand(data)
	require.NoError(t, err)
	return cmd
}

func TestLinkAddedEmitsFetchWork(t *testing.T) {
	pub := &fakePub{}
	r := newTestRouter(&fakeChecks{}, pub)

	e := mkEvent(t, event.TypeLinkAdded, event.LinkAdded{URL: "https://example.com/a"})
	require.NoError(t, r.route(context.Background(), e))

	require.Len(t, pub.sent, 1)
	assert.True(t, strings.HasPrefix(pub.sent[0].subject, "work.fetch_link."))

	cmd := decodeWork(t, pub.sent[0].data)
	assert.Equal(t, event.WorkFetchLink, cmd.WorkType)
	assert.Equal(t, 1, cmd.Attempt)
	assert.Equal(t, 3, cmd.MaxAttempts)
	assert.Equal(t, e.EventID, cmd.TriggeredByEventID)
	assert.Equal(t, e.EventID, cmd.CorrelationID, "capture event id becomes the run correlation")

	var p event.FetchPayload
	require.NoError(t, json.Unmarshal(cmd.Payload, &p))
	assert.Equal(t, "https://example.com/a", p.URL)
}

func TestLinkAddedSkippedWhenContentPresent(t *testing.T) {
	pub := &fakePub{}
	r := newTestRouter(&fakeChecks{hasContent: true}, pub)

	e := mkEvent(t, event.TypeLinkAdded, event.LinkAdded{URL: "https://example.com/a"})
	require.NoError(t, r.route(context.Background(), e))
	assert.Empty(t, pub.sent)
}

func TestContentFetchedEmitsEnrichWork(t *testing.T) {
	pub := &fakePub{}
	r := newTestRouter(&fakeChecks{}, pub)

	e := mkEvent(t, event.TypeContentFetched, event.ContentFetched{
		FinalURL:    "https://example.com/a",
		Title:       "T",
		TextContent: "body text",
	})
	e.WithCorrelation("corr-1", "ev-0")
	require.NoError(t, r.route(context.Background(), e))

	require.Len(t, pub.sent, 1)
	cmd := decodeWork(t, pub.sent[0].data)
	assert.Equal(t, event.WorkEnrichLink, cmd.WorkType)
	assert.Equal(t, "corr-1", cmd.CorrelationID)

	var p event.EnrichPayload
	require.NoError(t, json.Unmarshal(cmd.Payload, &p))
	assert.Equal(t, "T", p.Title)
	assert.Equal(t, "body text", p.Text)
}

func TestContentFetchedPartialSuccessIgnored(t *testing.T) {
	pub := &fakePub{}
	r := newTestRouter(&fakeChecks{}, pub)

	e := mkEvent(t, event.TypeContentFetched, event.ContentFetched{
		FinalURL:   "https://example.com/a",
		FetchError: "no readable text",
	})
	require.NoError(t, r.route(context.Background(), e))
	assert.Empty(t, pub.sent, "a fetch without text has nothing to enrich")
}

func TestContentFetchedSkippedWhenMetadataFilled(t *testing.T) {
	pub := &fakePub{}
	r := newTestRouter(&fakeChecks{hasMetadata: true}, pub)

	e := mkEvent(t, event.TypeContentFetched, event.ContentFetched{
		FinalURL: "https://example.com/a", TextContent: "text",
	})
	require.NoError(t, r.route(context.Background(), e))
	assert.Empty(t, pub.sent)
}

func TestEnrichmentCompletedEmitsPublishWork(t *testing.T) {
	pub := &fakePub{}
	r := newTestRouter(&fakeChecks{}, pub)

	e := mkEvent(t, event.TypeEnrichmentCompleted, event.EnrichmentCompleted{Tags: []string{"x"}})
	require.NoError(t, r.route(context.Background(), e))

	require.Len(t, pub.sent, 1)
	cmd := decodeWork(t, pub.sent[0].data)
	assert.Equal(t, event.WorkPublishLink, cmd.WorkType)
}

func TestEnrichmentCompletedSkippedWhenClean(t *testing.T) {
	pub := &fakePub{}
	r := newTestRouter(&fakeChecks{publishClean: true}, pub)

	e := mkEvent(t, event.TypeEnrichmentCompleted, event.EnrichmentCompleted{Tags: []string{"x"}})
	require.NoError(t, r.route(context.Background(), e))
	assert.Empty(t, pub.sent)
}

func TestWorkFailedRetriesWithIncrementedAttempt(t *testing.T) {
	pub := &fakePub{}
	r := newTestRouter(&fakeChecks{}, pub)

	work := event.WorkCommand{
		SubjectID:          "link:abc",
		WorkType:           event.WorkFetchLink,
		CorrelationID:      "corr-1",
		TriggeredByEventID: "ev-0",
		Attempt:            1,
		MaxAttempts:        3,
	}
	e := mkEvent(t, event.TypeWorkFailed, event.WorkFailed{Work: work, Error: "connect timeout", Agent: "fetcher"})
	require.NoError(t, r.route(context.Background(), e))

	require.Len(t, pub.sent, 1)
	assert.True(t, strings.HasPrefix(pub.sent[0].subject, "work.fetch_link."))

	cmd := decodeWork(t, pub.sent[0].data)
	assert.Equal(t, 2, cmd.Attempt)
	assert.Equal(t, "connect timeout", cmd.LastError)
	assert.Equal(t, "ev-0", cmd.TriggeredByEventID)
}

func TestWorkFailedDeadLettersWhenExhausted(t *testing.T) {
	pub := &fakePub{}
	r := newTestRouter(&fakeChecks{}, pub)

	work := event.WorkCommand{
		SubjectID:          "link:abc",
		WorkType:           event.WorkFetchLink,
		CorrelationID:      "corr-1",
		TriggeredByEventID: "ev-0",
		Attempt:            3,
		MaxAttempts:        3,
	}
	e := mkEvent(t, event.TypeWorkFailed, event.WorkFailed{Work: work, Error: "connect timeout", Agent: "fetcher"})
	require.NoError(t, r.route(context.Background(), e))

	require.Len(t, pub.sent, 1)
	assert.Equal(t, natsclient.SubjectDeadLetter, pub.sent[0].subject)

	var dl event.DeadLetter
	require.NoError(t, json.Unmarshal(pub.sent[0].data, &dl))
	assert.Equal(t, "link:abc", dl.OriginalWork.SubjectID)
	assert.Equal(t, "connect timeout", dl.FinalError)
	assert.Equal(t, "fetcher", dl.Agent)
}

func TestUnrelatedEventsIgnored(t *testing.T) {
	pub := &fakePub{}
	r := newTestRouter(&fakeChecks{}, pub)

	e := mkEvent(t, event.TypeTempReading, event.TempReading{Celsius: 21.5})
	e.SubjectKind = identity.KindSensor
	require.NoError(t, r.route(context.Background(), e))
	assert.Empty(t, pub.sent)

	e2 := mkEvent(t, event.TypePublishCompleted, event.PublishCompleted{})
	require.NoError(t, r.route(context.Background(), e2))
	assert.Empty(t, pub.sent)
}

func TestSameSubjectSamePartitionSubject(t *testing.T) {
	pub := &fakePub{}
	r := newTestRouter(&fakeChecks{}, pub)

	e1 := mkEvent(t, event.TypeLinkAdded, event.LinkAdded{URL: "https://example.com/a"})
	e2 := mkEvent(t, event.TypeLinkAdded, event.LinkAdded{URL: "https://example.com/a"})
	require.NoError(t, r.route(context.Background(), e1))
	require.NoError(t, r.route(context.Background(), e2))

	require.Len(t, pub.sent, 2)
	assert.Equal(t, pub.sent[0].subject, pub.sent[1].subject)
}
