package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/MarimerLLC/rockbot/envelope"
	"github.com/MarimerLLC/rockbot/telemetry"
)

// ErrDecodePayload wraps a failure to unmarshal envelope.Body into a
// registered handler's payload type.
var ErrDecodePayload = errors.New("pipeline: failed to decode payload")

// errHandlerPanicked wraps a recovered handler panic.
var errHandlerPanicked = errors.New("pipeline: handler panicked")

func errPanicRecovered(r any) error {
	return fmt.Errorf("%w: %v", errHandlerPanicked, r)
}

// tracingMiddleware opens a span named "dispatch <messageType>" tagged with
// message_type, message_id, agent, correlation_id, and (after the handler
// runs) result, and records a counter/timer pair via metrics.
func tracingMiddleware(tracer telemetry.Tracer, metrics telemetry.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, hctx *HandlerContext) error {
			spanCtx, span := tracer.Start(ctx, "dispatch "+hctx.Envelope.MessageType)
			span.AddEvent("begin",
				"message_type", hctx.Envelope.MessageType,
				"message_id", hctx.Envelope.MessageId,
				"agent", hctx.Agent,
				"correlation_id", hctx.Envelope.CorrelationId)
			start := time.Now()

			err := next(spanCtx, hctx)

			span.AddEvent("end", "result", hctx.Result.String())
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				span.RecordError(err)
			}
			span.End()

			metrics.RecordTimer("dispatch.duration", time.Since(start),
				"message_type", hctx.Envelope.MessageType, "result", hctx.Result.String())
			metrics.IncCounter("dispatch.count", 1,
				"message_type", hctx.Envelope.MessageType, "result", hctx.Result.String())

			return err
		}
	}
}

// loggingMiddleware emits dispatch begin/end log lines with elapsed time.
func loggingMiddleware(logger telemetry.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, hctx *HandlerContext) error {
			start := time.Now()
			logger.Info(ctx, "dispatch begin",
				"message_type", hctx.Envelope.MessageType,
				"message_id", hctx.Envelope.MessageId,
				"agent", hctx.Agent)

			err := next(ctx, hctx)

			logger.Info(ctx, "dispatch end",
				"message_type", hctx.Envelope.MessageType,
				"message_id", hctx.Envelope.MessageId,
				"result", hctx.Result.String(),
				"elapsed_ms", time.Since(start).Milliseconds())
			if err != nil {
				logger.Error(ctx, "dispatch handler error",
					"message_type", hctx.Envelope.MessageType,
					"error", err.Error())
			}

			return err
		}
	}
}

// errorHandlingMiddleware converts a handler panic or error, and a
// cancellation of hctx.CancellationToken, into envelope.Retry. It never lets
// a panic escape to the subscriber's consumer goroutine.
func errorHandlingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, hctx *HandlerContext) (err error) {
			defer func() {
				if r := recover(); r != nil {
					hctx.Result = envelope.Retry
					err = errPanicRecovered(r)
				}
			}()

			err = next(ctx, hctx)

			switch {
			case err != nil:
				hctx.Result = envelope.Retry
			case hctx.CancellationToken != nil && hctx.CancellationToken.Err() != nil:
				hctx.Result = envelope.Retry
			}

			return err
		}
	}
}
