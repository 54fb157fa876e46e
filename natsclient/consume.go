package natsclient

import (
	"context"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/lifestream/errors"
)

// Durable creates or updates a durable consumer on a stream. The caller drives
// it with Messages() one message at a time, which is what keeps per-partition
// processing strictly sequential.
func (c *Client) Durable(
	ctx context.Context,
	stream, name, filterSubject string,
	ackWait time.Duration,
) (jetstream.Consumer, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	if ackWait <= 0 {
		ackWait = 2 * time.Minute
	}

	cfg := jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxAckPending: 1,
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		c.failures.Add(1)
		return nil, errors.WrapTransient(err, "Client", "Durable", name)
	}
	return consumer, nil
}

// FromSequence creates an ephemeral consumer positioned at an explicit stream
// sequence. Progress is owned by the database, so no acks are sent to the
// server and no consumer state survives a restart. startSeq 0 delivers from
// the beginning of the stream.
func (c *Client) FromSequence(ctx context.Context, stream string, startSeq uint64) (jetstream.Consumer, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	cfg := jetstream.ConsumerConfig{
		AckPolicy:         jetstream.AckNonePolicy,
		InactiveThreshold: 5 * time.Minute,
	}
	if startSeq > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = startSeq
	} else {
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		c.failures.Add(1)
		return nil, errors.WrapTransient(err, "Client", "FromSequence", stream)
	}
	return consumer, nil
}
