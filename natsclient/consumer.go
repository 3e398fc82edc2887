package natsclient

import (
	"context"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/DendraScience/dendra-worker-tasks-deriv/errors"
)

// Msg is the message surface handed to subscription handlers. Acknowledgment
// is always explicit; an unacked message is redelivered by the server after
// the consumer's ack-wait elapses.
type Msg interface {
	Data() []byte
	Subject() string
	Sequence() uint64
	Ack() error
}

// ConsumerOptions configures one durable pull of a stream subject.
type ConsumerOptions struct {
	Subject     string
	Durable     string
	AckWait     time.Duration
	MaxInFlight int
	DeliverNew  bool
}

// Consumer is a running JetStream consumer bound to one subject.
type Consumer struct {
	subject string
	cc      jetstream.ConsumeContext
}

// Subject returns the consumer's filter subject
func (c *Consumer) Subject() string {
	return c.subject
}

// Stop halts message delivery. Messages already delivered but unacked are
// redelivered by the server once their ack-wait elapses.
func (c *Consumer) Stop() {
	if c.cc != nil {
		c.cc.Stop()
	}
}

type jsMsg struct {
	msg jetstream.Msg
}

func (m *jsMsg) Data() []byte    { return m.msg.Data() }
func (m *jsMsg) Subject() string { return m.msg.Subject() }
func (m *jsMsg) Ack() error      { return m.msg.Ack() }

func (m *jsMsg) Sequence() uint64 {
	meta, err := m.msg.Metadata()
	if err != nil {
		return 0
	}
	return meta.Sequence.Stream
}

// Consume creates a durable consumer on the stream and starts delivering
// messages to the handler. Acknowledgment is left entirely to the handler.
func (c *Client) Consume(
	ctx context.Context,
	streamName string,
	opts ConsumerOptions,
	handler func(Msg),
) (*Consumer, error) {
	if c.closed.Load() {
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Client", "Consume", "check client state")
	}

	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	cfg := jetstream.ConsumerConfig{
		FilterSubject: opts.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}
	if opts.Durable != "" {
		cfg.Durable = opts.Durable
	}
	if opts.AckWait > 0 {
		cfg.AckWait = opts.AckWait
	}
	if opts.MaxInFlight > 0 {
		cfg.MaxAckPending = opts.MaxInFlight
	}
	if opts.DeliverNew {
		cfg.DeliverPolicy = jetstream.DeliverNewPolicy
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, streamName, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Consume", "create consumer")
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		handler(&jsMsg{msg: msg})
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Consume", "start consuming")
	}

	return &Consumer{subject: opts.Subject, cc: cc}, nil
}
