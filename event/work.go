package event

import (
	"encoding/json"
	"time"

	"github.com/c360/lifestream/errors"
)

// WorkType identifies a work stage.
type WorkType string

// Work stages, one per worker pool.
const (
	WorkFetchLink   WorkType = "fetch_link"
	WorkEnrichLink  WorkType = "enrich_link"
	WorkPublishLink WorkType = "publish_link"
)

// WorkTypes lists all stages in pipeline order.
var WorkTypes = []WorkType{WorkFetchLink, WorkEnrichLink, WorkPublishLink}

// WorkCommand is a unit of work routed to a worker. Attempt is 1-indexed;
// a retry carries the same TriggeredByEventID with Attempt incremented and a
// fresh CreatedAt.
type WorkCommand struct {
	SubjectID          string          `json:"subject_id"`
	WorkType           WorkType        `json:"work_type"`
	CorrelationID      string          `json:"correlation_id"`
	TriggeredByEventID string          `json:"triggered_by_event_id"`
	Attempt            int             `json:"attempt"`
	MaxAttempts        int             `json:"max_attempts"`
	CreatedAt          time.Time       `json:"created_at"`
	LastError          string          `json:"last_error,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
}

// NewWorkCommand builds a first-attempt command triggered by the given event.
func NewWorkCommand(typ WorkType, triggeredBy *Event, maxAttempts int, payload any) (*WorkCommand, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "WorkCommand", "NewWorkCommand", "marshal payload")
	}
	// Capture events arrive without a correlation id; the triggering event
	// itself then becomes the pipeline run's correlation.
	correlationID := triggeredBy.CorrelationID
	if correlationID == "" {
		correlationID = triggeredBy.EventID
	}
	return &WorkCommand{
		SubjectID:          triggeredBy.SubjectID,
		WorkType:           typ,
		CorrelationID:      correlationID,
		TriggeredByEventID: triggeredBy.EventID,
		Attempt:            1,
		MaxAttempts:        maxAttempts,
		CreatedAt:          time.Now().UTC(),
		Payload:            raw,
	}, nil
}

// Retry returns a copy of the command for the next attempt, carrying the error
// that caused it.
func (w *WorkCommand) Retry(lastError string) *WorkCommand {
	next := *w
	next.Attempt = w.Attempt + 1
	next.CreatedAt = time.Now().UTC()
	next.LastError = lastError
	return &next
}

// Exhausted reports whether the command has no attempts left.
func (w *WorkCommand) Exhausted() bool {
	return w.Attempt >= w.MaxAttempts
}

// Encode serializes the command for its work stream.
func (w *WorkCommand) Encode() ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, errors.WrapInvalid(err, "WorkCommand", "Encode", "marshal command")
	}
	return data, nil
}

// DecodeWorkCommand deserializes a work stream message.
func DecodeWorkCommand(data []byte) (*WorkCommand, error) {
	var w WorkCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.WrapInvalid(err, "WorkCommand", "DecodeWorkCommand", "unmarshal command")
	}
	switch w.WorkType {
	case WorkFetchLink, WorkEnrichLink, WorkPublishLink:
	default:
		return nil, errors.WrapInvalid(errors.ErrUnknownWorkType, "WorkCommand", "DecodeWorkCommand", string(w.WorkType))
	}
	return &w, nil
}

// FetchPayload is the minimal payload of a fetch_link command.
type FetchPayload struct {
	URL string `json:"url"`
}

// EnrichPayload is the minimal payload of an enrich_link command.
type EnrichPayload struct {
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
}

// DeadLetter is the record emitted to the dead-letter stream when a work
// command exhausts its retries.
type DeadLetter struct {
	OriginalWork WorkCommand `json:"original_work"`
	FinalError   string      `json:"final_error"`
	FailedAt     time.Time   `json:"failed_at"`
	Agent        string      `json:"agent"`
}

// Encode serializes the dead-letter record.
func (d *DeadLetter) Encode() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, errors.WrapInvalid(err, "DeadLetter", "Encode", "marshal record")
	}
	return data, nil
}
