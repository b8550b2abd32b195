package amqpbroker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/MarimerLLC/rockbot/envelope"
)

// Subscription is an active, self-healing consumer bound to a
// (topic, subscriptionName) pair. Exactly one durable queue exists per
// subscription name; reconnection preserves queue identity (spec §3).
type Subscription struct {
	broker           *amqpBroker
	topic            string
	subscriptionName string
	queueName        string
	dlqName          string
	handler          Handler

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	ch       *amqp.Channel
	disposed atomic.Bool
}

// Subscribe creates (idempotently) a durable queue bound to topic, declares
// its dead-letter queue, and starts a self-healing consumer. The returned
// Subscription is owned by the caller; Dispose cancels the consumer and
// closes the channel without triggering reconnection.
func (b *amqpBroker) Subscribe(ctx context.Context, topic, subscriptionName string, handler Handler) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		broker:           b,
		topic:            topic,
		subscriptionName: subscriptionName,
		queueName:        queueName(b.cfg.QueuePrefix, subscriptionName),
		handler:          handler,
		ctx:              subCtx,
		cancel:           cancel,
	}
	sub.dlqName = sub.queueName + ".dlq"

	ch, err := sub.openChannel()
	if err != nil {
		cancel()
		return nil, err
	}
	sub.mu.Lock()
	sub.ch = ch
	sub.mu.Unlock()

	deliveries, err := sub.consume(ch)
	if err != nil {
		cancel()
		return nil, err
	}

	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()

	go sub.serve(ch, deliveries)

	return sub, nil
}

// openChannel declares the subscription's queue, its dead-letter queue, and
// the bindings on a fresh AMQP channel, returning the channel with prefetch
// applied.
func (sub *Subscription) openChannel() (*amqp.Channel, error) {
	sub.broker.connMu.Lock()
	conn := sub.broker.conn
	sub.broker.connMu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(sub.broker.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, err
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    sub.broker.cfg.DeadLetterExchange,
		"x-dead-letter-routing-key": sub.topic,
	}
	if _, err := ch.QueueDeclare(sub.queueName, true, false, false, false, args); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.QueueBind(sub.queueName, sub.topic, sub.broker.cfg.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(sub.dlqName, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.QueueBind(sub.dlqName, sub.topic, sub.broker.cfg.DeadLetterExchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}

	return ch, nil
}

func (sub *Subscription) consume(ch *amqp.Channel) (<-chan amqp.Delivery, error) {
	return ch.Consume(sub.queueName, "", false, false, false, false, nil)
}

// serve drains deliveries on ch, invoking handler for each and applying the
// returned disposition. On unexpected channel shutdown it launches a
// reconnect loop and swaps the active channel atomically so callers (Dispose,
// ack/nack) never observe a window with no channel.
func (sub *Subscription) serve(ch *amqp.Channel, deliveries <-chan amqp.Delivery) {
	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-sub.ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				// Channel closing; block on this case (a nil channel is never
				// ready) until closeNotify decides whether to reconnect, so we
				// don't busy-spin re-reading the closed channel in the
				// meantime.
				deliveries = nil
				continue
			}
			sub.handleDelivery(ch, d)
		case err := <-closeNotify:
			if sub.disposed.Load() {
				return
			}
			// err is nil when the application closed the channel itself;
			// only reconnect on an unexpected (non-application) shutdown.
			if err == nil {
				return
			}
			newCh, newDeliveries := sub.reconnect()
			if newCh == nil {
				return
			}
			ch = newCh
			deliveries = newDeliveries
			closeNotify = ch.NotifyClose(make(chan *amqp.Error, 1))
		}
	}
}

func (sub *Subscription) handleDelivery(ch *amqp.Channel, d amqp.Delivery) {
	e := fromDelivery(d)
	ctx := envelope.ExtractTraceContext(sub.ctx, e)

	result := sub.handler(ctx, e)

	switch result {
	case envelope.Ack:
		_ = d.Ack(false)
	case envelope.DeadLetter:
		_ = d.Nack(false, false)
	default: // envelope.Retry, and any unrecognized value
		_ = d.Nack(false, true)
	}
}

// reconnect retries opening a fresh channel with exponential backoff starting
// at 2s, doubling, capped at 30s, bounded only by the subscription's own
// disposal. On success it re-declares queues/bindings and rewires the
// consumer so ack/nack target the new channel.
func (sub *Subscription) reconnect() (*amqp.Channel, <-chan amqp.Delivery) {
	var ch *amqp.Channel
	var deliveries <-chan amqp.Delivery

	_ = retry.Do(
		func() error {
			if sub.disposed.Load() || sub.ctx.Err() != nil {
				return retry.Unrecoverable(context.Canceled)
			}
			newCh, err := sub.openChannel()
			if err != nil {
				return err
			}
			newDeliveries, err := sub.consume(newCh)
			if err != nil {
				_ = newCh.Close()
				return err
			}
			ch, deliveries = newCh, newDeliveries
			return nil
		},
		retry.Attempts(0), // unlimited; bounded by Unrecoverable on disposal
		retry.Delay(reconnectBaseDelay),
		retry.MaxDelay(reconnectMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)

	if ch == nil {
		return nil, nil
	}

	sub.mu.Lock()
	sub.ch = ch
	sub.mu.Unlock()

	return ch, deliveries
}

// Dispose cancels the consumer and closes the current channel without
// triggering reconnection. Disposal is idempotent.
func (sub *Subscription) Dispose() {
	if !sub.disposed.CompareAndSwap(false, true) {
		return
	}
	sub.cancel()

	sub.mu.Lock()
	ch := sub.ch
	sub.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
}

// waitReconnectBackoff is retained for tests that want to assert on the
// documented backoff schedule without driving a real AMQP server.
func waitReconnectBackoff(attempt int) time.Duration {
	d := reconnectBaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > reconnectMaxDelay {
			return reconnectMaxDelay
		}
	}
	return d
}
