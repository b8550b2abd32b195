// Package envelope defines RockBot's immutable message carrier and its JSON
// codec. Every component that crosses the bus — the broker, the dispatch
// pipeline, A2A, the MCP bridge — exchanges Envelopes.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Well-known header keys. Headers carried on AMQP are namespaced with the
// "rb-" prefix (see amqpbroker); in-process code uses the bare names below.
const (
	HeaderContentTrust = "content-trust"
	HeaderToolProvider = "tool-provider"
	HeaderTimeoutMs    = "timeout-ms"

	HeaderTraceParent = "traceparent"
	HeaderTraceState  = "tracestate"
)

// Content trust levels carried in HeaderContentTrust.
const (
	TrustSystem     = "system"
	TrustUserInput  = "user-input"
	TrustToolOutput = "tool-output"
)

// Envelope is the immutable message carrier exchanged over the bus. Fields
// are set once at construction; Headers and Body must not be mutated by
// callers after Create returns.
type Envelope struct {
	// MessageId uniquely identifies this envelope within the broker's
	// retention window.
	MessageId string
	// MessageType is the logical, human-readable name used for dispatch
	// (see package pipeline).
	MessageType string
	// CorrelationId is optionally copied through request/response chains.
	CorrelationId string
	// ReplyTo optionally names the topic a handler should publish its
	// response to.
	ReplyTo string
	// Source names the emitting component.
	Source string
	// Destination optionally names the intended recipient.
	Destination string
	// Timestamp is the creation time in UTC.
	Timestamp time.Time
	// Body is the opaque, immutable JSON-encoded payload.
	Body []byte
	// Headers is a mapping of short ASCII key to ASCII value. Unknown
	// "rb-"-prefixed headers propagate unchanged across hops.
	Headers map[string]string
}

// Option configures optional Envelope fields at construction time.
type Option func(*Envelope)

// WithCorrelationId sets CorrelationId.
func WithCorrelationId(id string) Option {
	return func(e *Envelope) { e.CorrelationId = id }
}

// WithReplyTo sets ReplyTo.
func WithReplyTo(topic string) Option {
	return func(e *Envelope) { e.ReplyTo = topic }
}

// WithDestination sets Destination.
func WithDestination(dest string) Option {
	return func(e *Envelope) { e.Destination = dest }
}

// WithHeaders merges the given headers into the envelope, overwriting any
// key already set by an earlier option.
func WithHeaders(headers map[string]string) Option {
	return func(e *Envelope) {
		for k, v := range headers {
			e.Headers[k] = v
		}
	}
}

// Create builds a new Envelope with a fresh MessageId and the current
// timestamp. body is the already-encoded JSON payload; use ToEnvelope to
// encode a typed payload in one step.
func Create(messageType string, body []byte, source string, opts ...Option) Envelope {
	e := Envelope{
		MessageId:   uuid.NewString(),
		MessageType: messageType,
		Source:      source,
		Timestamp:   time.Now().UTC(),
		Body:        body,
		Headers:     make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&e)
		}
	}
	return e
}

// ToEnvelope encodes payload as JSON and wraps it in a new Envelope.
func ToEnvelope[T any](messageType string, payload T, source string, opts ...Option) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Create(messageType, body, source, opts...), nil
}

// GetPayload decodes an envelope's Body into T. It returns (zero, false) on
// any decode mismatch rather than an error, matching the teacher's
// best-effort lookup-by-type style used across handler registration.
func GetPayload[T any](e Envelope) (T, bool) {
	var v T
	if len(e.Body) == 0 {
		return v, false
	}
	if err := json.Unmarshal(e.Body, &v); err != nil {
		return v, false
	}
	return v, true
}
