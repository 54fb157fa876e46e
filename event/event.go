// Package event defines the immutable facts that flow through the pipeline:
// the ledger event record, the typed payload for each event type, and the work
// command / dead-letter shapes derived from facts by the router.
//
// Events are append-only. The only mutation the ledger ever performs is the
// forwarded flag transition false -> true after the bus accepts the record.
package event

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/c360/lifestream/errors"
)

// Type identifies an event type in the catalog.
type Type string

// Event catalog.
const (
	TypeLinkAdded           Type = "link.added"
	TypeContentFetched      Type = "content.fetched"
	TypeEnrichmentCompleted Type = "enrichment.completed"
	TypePublishCompleted    Type = "publish.completed"
	TypeVisibilityChanged   Type = "link.visibility_changed"
	TypeWorkFailed          Type = "work.failed"
	TypeTempReading         Type = "temp.reading_recorded"
	TypeTodoCreated         Type = "todo.created"
	TypeTodoCompleted       Type = "todo.completed"
	TypeAnnotationAdded     Type = "annotation.added"
)

// Visibility values for subjects and links.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Link status values and the legal transitions between them. Transitions are
// applied only by projection handlers; see the materializer package.
const (
	StatusNew       = "new"
	StatusFetched   = "fetched"
	StatusEnriched  = "enriched"
	StatusPublished = "published"
	StatusError     = "error"
)

// Event is an immutable fact appended to the ledger.
type Event struct {
	EventID       string          `json:"event_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	ReceivedAt    time.Time       `json:"received_at"`
	Source        string          `json:"source"`
	SubjectKind   string          `json:"subject_kind"`
	SubjectID     string          `json:"subject_id"`
	Type          Type            `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	Forwarded     bool            `json:"forwarded"`
}

// New builds an event with a fresh id and the current wall clock as
// occurred_at. ReceivedAt is assigned by the ledger on append.
func New(source, subjectKind, subjectID string, typ Type, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Event", "New", "marshal payload")
	}
	return &Event{
		EventID:       uuid.NewString(),
		OccurredAt:    time.Now().UTC(),
		Source:        source,
		SubjectKind:   subjectKind,
		SubjectID:     subjectID,
		Type:          typ,
		SchemaVersion: 1,
		Payload:       raw,
	}, nil
}

// WithCorrelation sets correlation and causation ids and returns the event for
// chaining at construction sites.
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// Encode serializes the full event record for the bus.
func (e *Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Event", "Encode", "marshal event")
	}
	return data, nil
}

// Decode deserializes a bus message body into an event record.
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.WrapInvalid(err, "Event", "Decode", "unmarshal event")
	}
	if e.EventID == "" || e.Type == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidPayload, "Event", "Decode", "missing event_id or event_type")
	}
	return &e, nil
}

// Partition maps a subject id onto one of n partitions. All messages for a
// subject land on the same partition, which is what preserves per-subject
// order on the bus.
func Partition(subjectID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(subjectID))
	return int(h.Sum32() % uint32(n))
}

// LinkAdded is the payload of link.added.
type LinkAdded struct {
	URL     string `json:"url"`
	URLNorm string `json:"url_norm,omitempty"`
}

// ContentFetched is the payload of content.fetched. A non-empty FetchError
// with an empty TextContent is a partial success: the fetch happened but no
// readable body could be extracted.
type ContentFetched struct {
	FinalURL       string `json:"final_url"`
	Title          string `json:"title,omitempty"`
	TextContent    string `json:"text_content,omitempty"`
	HTMLStorageKey string `json:"html_storage_key,omitempty"`
	FetchError     string `json:"fetch_error,omitempty"`
}

// EnrichmentCompleted is the payload of enrichment.completed.
type EnrichmentCompleted struct {
	Tags         []string `json:"tags"`
	SummaryShort string   `json:"summary_short,omitempty"`
	SummaryLong  string   `json:"summary_long,omitempty"`
	Language     string   `json:"language,omitempty"`
	ModelVersion string   `json:"model_version,omitempty"`
}

// PublishCompleted is the payload of publish.completed.
type PublishCompleted struct {
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// VisibilityChanged is the payload of link.visibility_changed.
type VisibilityChanged struct {
	Visibility string `json:"visibility"`
}

// WorkFailed is the payload of work.failed. It carries the full work command
// so the router can compute the retry or dead-letter without any state of its
// own.
type WorkFailed struct {
	Work  WorkCommand `json:"work_message"`
	Error string      `json:"error"`
	Agent string      `json:"agent"`
}

// TempReading is the payload of temp.reading_recorded.
type TempReading struct {
	Celsius  float64  `json:"celsius"`
	Humidity *float64 `json:"humidity,omitempty"`
	Battery  *float64 `json:"battery,omitempty"`
}

// TodoCreated is the payload of todo.created.
type TodoCreated struct {
	Title   string     `json:"title"`
	Project string     `json:"project,omitempty"`
	Labels  []string   `json:"labels,omitempty"`
	DueAt   *time.Time `json:"due_at,omitempty"`
}

// TodoCompleted is the payload of todo.completed.
type TodoCompleted struct{}

// AnnotationAdded is the payload of annotation.added.
type AnnotationAdded struct {
	AnnotationID  string `json:"annotation_id"`
	LinkSubjectID string `json:"link_subject_id"`
	Quote         string `json:"quote,omitempty"`
	Note          string `json:"note,omitempty"`
	Selector      string `json:"selector,omitempty"`
	Visibility    string `json:"visibility,omitempty"`
}

// DecodePayload decodes the payload of e into its typed struct based on the
// event type. Unknown types return ErrUnknownEvent so callers can drop with a
// warning instead of guessing.
func DecodePayload(e *Event) (any, error) {
	var (
		target any
		err    error
	)

	switch e.Type {
	case TypeLinkAdded:
		var p LinkAdded
		err, target = json.Unmarshal(e.Payload, &p), &p
	case TypeContentFetched:
		var p ContentFetched
		err, target = json.Unmarshal(e.Payload, &p), &p
	case TypeEnrichmentCompleted:
		var p EnrichmentCompleted
		err, target = json.Unmarshal(e.Payload, &p), &p
	case TypePublishCompleted:
		var p PublishCompleted
		err, target = json.Unmarshal(e.Payload, &p), &p
	case TypeVisibilityChanged:
		var p VisibilityChanged
		err, target = json.Unmarshal(e.Payload, &p), &p
	case TypeWorkFailed:
		var p WorkFailed
		err, target = json.Unmarshal(e.Payload, &p), &p
	case TypeTempReading:
		var p TempReading
		err, target = json.Unmarshal(e.Payload, &p), &p
	case TypeTodoCreated:
		var p TodoCreated
		err, target = json.Unmarshal(e.Payload, &p), &p
	case TypeTodoCompleted:
		var p TodoCompleted
		err, target = json.Unmarshal(e.Payload, &p), &p
	case TypeAnnotationAdded:
		var p AnnotationAdded
		err, target = json.Unmarshal(e.Payload, &p), &p
	default:
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownEvent, e.Type)
	}

	if err != nil {
		return nil, errors.WrapInvalid(err, "Event", "DecodePayload", string(e.Type))
	}
	return target, nil
}
