package amqpbroker

import (
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/MarimerLLC/rockbot/envelope"
)

// headerPrefix namespaces envelope headers on the wire (spec §3 invariant:
// "Headers keys namespaced with a short prefix (rb-) when carried on AMQP").
const headerPrefix = "rb-"

// toPublishing converts an Envelope into an amqp.Publishing. Envelope
// metadata (message id, type, correlation id, reply-to, timestamp) travels
// in broker properties; Headers travel as "rb-"-prefixed AMQP headers.
func toPublishing(e envelope.Envelope) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range e.Headers {
		headers[headerPrefix+k] = v
	}
	if e.Source != "" {
		headers[headerPrefix+"source"] = e.Source
	}
	if e.Destination != "" {
		headers[headerPrefix+"destination"] = e.Destination
	}

	return amqp.Publishing{
		MessageId:     e.MessageId,
		Type:          e.MessageType,
		CorrelationId: e.CorrelationId,
		ReplyTo:       e.ReplyTo,
		Timestamp:     e.Timestamp,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Headers:       headers,
		Body:          e.Body,
	}
}

// fromDelivery converts an amqp.Delivery back into an Envelope, reversing
// toPublishing's header namespacing.
func fromDelivery(d amqp.Delivery) envelope.Envelope {
	e := envelope.Envelope{
		MessageId:     d.MessageId,
		MessageType:   d.Type,
		CorrelationId: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Timestamp:     d.Timestamp,
		Body:          d.Body,
		Headers:       make(map[string]string),
	}
	for k, v := range d.Headers {
		if len(k) <= len(headerPrefix) || k[:len(headerPrefix)] != headerPrefix {
			continue
		}
		name := k[len(headerPrefix):]
		switch name {
		case "source":
			e.Source, _ = v.(string)
		case "destination":
			e.Destination, _ = v.(string)
		default:
			e.Headers[name] = stringify(v)
		}
	}
	return e
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}
