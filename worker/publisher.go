package worker

import (
	"context"
	"time"

	"github.com/c360/lifestream/event"
)

// Publisher emits publish.completed. It is deliberately thin: publication is
// itself an event rather than a side effect of materialization, so it can be
// audited and can trigger downstream consumers.
type Publisher struct{}

// NewPublisher builds the publish worker.
func NewPublisher() *Publisher { return &Publisher{} }

// WorkType implements Performer.
func (p *Publisher) WorkType() event.WorkType { return event.WorkPublishLink }

// Agent implements Performer.
func (p *Publisher) Agent() string { return "publisher" }

// Perform implements Performer.
func (p *Publisher) Perform(_ context.Context, _ *event.WorkCommand) (event.Type, any, error) {
	return event.TypePublishCompleted, event.PublishCompleted{
		PublishedAt: time.Now().UTC(),
	}, nil
}
