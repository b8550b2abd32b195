package a2a

import (
	"context"
	"fmt"

	"github.com/MarimerLLC/rockbot/amqpbroker"
	"github.com/MarimerLLC/rockbot/envelope"
	"github.com/MarimerLLC/rockbot/pipeline"
	"github.com/MarimerLLC/rockbot/telemetry"
)

// TaskExecutor runs one delegated task to completion and returns its
// output text, or an error that becomes an AgentTaskError.
type TaskExecutor func(ctx context.Context, req AgentTaskRequest) (string, error)

// Handler is the A2A handler side (spec §4.11 "A2A handler side"): it
// receives AgentTaskRequests for this agent, emits an immediate Working
// status, runs exec, and publishes the terminal result or error.
type Handler struct {
	agentName   string
	broker      amqpbroker.Broker
	statusTopic string
	resultTopic string
	exec        TaskExecutor
	logger      telemetry.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

func WithHandlerLogger(l telemetry.Logger) HandlerOption { return func(h *Handler) { h.logger = l } }

// NewHandler constructs a Handler for agentName, running exec for every
// inbound task.
func NewHandler(agentName string, broker amqpbroker.Broker, exec TaskExecutor, opts ...HandlerOption) *Handler {
	h := &Handler{
		agentName:   agentName,
		broker:      broker,
		statusTopic: "agent.status." + agentName,
		resultTopic: "agent.result." + agentName,
		exec:        exec,
		logger:      telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleTask processes an inbound AgentTaskRequest.
func (h *Handler) HandleTask(ctx context.Context, req AgentTaskRequest, hctx *pipeline.HandlerContext) error {
	replyTopic := hctx.Envelope.ReplyTo
	if replyTopic == "" {
		replyTopic = h.resultTopic
	}

	h.publish(ctx, replyTopic, "AgentTaskStatusUpdate", AgentTaskStatusUpdate{TaskId: req.TaskId, State: StateWorking})

	output, err := h.exec(ctx, req)
	if err != nil {
		h.publish(ctx, replyTopic, "AgentTaskError", AgentTaskError{TaskId: req.TaskId, Code: ErrCodeExecutionFailed, Message: err.Error()})
		return nil
	}
	h.publish(ctx, replyTopic, "AgentTaskResult", AgentTaskResult{TaskId: req.TaskId, State: StateCompleted, Output: output})
	return nil
}

// HandleCancel always reports TaskNotCancelable (spec §4.11, open
// question: the intended contract for graceful abort is unclear).
func (h *Handler) HandleCancel(ctx context.Context, req AgentTaskCancelRequest, hctx *pipeline.HandlerContext) error {
	replyTopic := hctx.Envelope.ReplyTo
	if replyTopic == "" {
		replyTopic = h.resultTopic
	}
	h.publish(ctx, replyTopic, "AgentTaskError", AgentTaskError{TaskId: req.TaskId, Code: ErrCodeTaskNotCancelable, Message: "cancellation is not supported"})
	return nil
}

func (h *Handler) publish(ctx context.Context, topic, messageType string, payload any) {
	e, err := envelope.ToEnvelope(messageType, payload, h.agentName)
	if err != nil {
		h.logger.Error(ctx, "a2a: encode failed", "messageType", messageType, "error", err.Error())
		return
	}
	if err := h.broker.Publish(ctx, topic, e); err != nil {
		h.logger.Error(ctx, fmt.Sprintf("a2a: publish %s failed", messageType), "error", err.Error())
	}
}
