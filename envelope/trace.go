package envelope

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
)

// propagator is the W3C trace-context propagator used to extract/inject
// traceparent/tracestate headers. It is package-level because it is
// stateless and safe for concurrent use.
var propagator = propagation.TraceContext{}

// headerCarrier adapts an Envelope's Headers map to propagation.TextMapCarrier.
type headerCarrier map[string]string

func (c headerCarrier) Get(key string) string       { return c[key] }
func (c headerCarrier) Set(key, value string)        { c[key] = value }
func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// ExtractTraceContext reads traceparent/tracestate from the envelope's
// headers and returns a context carrying the remote span context, so
// dispatch middleware can link a new span to the caller's trace.
func ExtractTraceContext(ctx context.Context, e Envelope) context.Context {
	return propagator.Extract(ctx, headerCarrier(e.Headers))
}

// InjectTraceContext writes the current trace context from ctx into the
// envelope's headers, so the next hop can continue the same trace.
func InjectTraceContext(ctx context.Context, e *Envelope) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	propagator.Inject(ctx, headerCarrier(e.Headers))
}
