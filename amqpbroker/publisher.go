package amqpbroker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/MarimerLLC/rockbot/envelope"
)

// Publish serializes e onto topic as a persistent message on the primary
// topic exchange; routing key equals topic. The publisher channel is shared
// across calls, guarded by a mutex only around (re)creation — publish itself
// does not hold the lock across the network call.
func (b *amqpBroker) Publish(ctx context.Context, topic string, e envelope.Envelope) error {
	envelope.InjectTraceContext(ctx, &e)

	ch, err := b.publisherChannel()
	if err != nil {
		return err
	}

	return ch.PublishWithContext(ctx, b.cfg.Exchange, topic, false, false, toPublishing(e))
}

// publisherChannel returns the shared publisher channel, recreating it if it
// was never opened or has been closed, whoever closed it.
func (b *amqpBroker) publisherChannel() (*amqp.Channel, error) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if b.pubCh != nil && !b.pubCh.IsClosed() {
		return b.pubCh, nil
	}

	b.connMu.Lock()
	conn := b.conn
	b.connMu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	b.pubCh = ch
	return ch, nil
}
