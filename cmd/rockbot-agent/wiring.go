package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/MarimerLLC/rockbot/amqpbroker"
	"github.com/MarimerLLC/rockbot/envelope"
	"github.com/MarimerLLC/rockbot/orchestrator"
)

// busReplyPublisher implements orchestrator.ReplyPublisher by publishing
// AgentReply envelopes to replyTopic. When a reply is the final reply of a
// session a subagentWorker is waiting on, it also wakes that waiter, since
// a subagent turn's "result" is exactly its parent orchestrator's own final
// AgentReply for that (synthetic) session.
type busReplyPublisher struct {
	agentName  string
	broker     amqpbroker.Broker
	replyTopic string
	worker     *subagentWorker
}

func (p *busReplyPublisher) PublishReply(ctx context.Context, reply orchestrator.AgentReply) error {
	if reply.IsFinal && p.worker != nil {
		p.worker.notifyFinal(reply.SessionId, reply.Content)
	}

	e, err := envelope.ToEnvelope("userResponse", reply, p.agentName)
	if err != nil {
		return fmt.Errorf("rockbot-agent: encode agent reply: %w", err)
	}
	return p.broker.Publish(ctx, p.replyTopic, e)
}

// subagentWorker implements a2a.SubagentWorker by driving a synthetic turn
// through the same orchestrator that serves normal user sessions, then
// waiting for that turn's final AgentReply to arrive via busReplyPublisher.
type subagentWorker struct {
	orch *orchestrator.Orchestrator

	mu      sync.Mutex
	waiters map[string]chan string
}

func newSubagentWorker(orch *orchestrator.Orchestrator) *subagentWorker {
	return &subagentWorker{orch: orch, waiters: make(map[string]chan string)}
}

// RunSubagentTurn implements a2a.SubagentWorker.
func (w *subagentWorker) RunSubagentTurn(ctx context.Context, taskID, sessionID, prompt string) (string, error) {
	ch := make(chan string, 1)
	w.mu.Lock()
	w.waiters[sessionID] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.waiters, sessionID)
		w.mu.Unlock()
	}()

	if err := w.orch.RunTurn(ctx, sessionID, prompt, true); err != nil {
		return "", fmt.Errorf("rockbot-agent: subagent turn: %w", err)
	}

	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (w *subagentWorker) notifyFinal(sessionID, content string) {
	w.mu.Lock()
	ch, ok := w.waiters[sessionID]
	w.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- content:
	default:
	}
}
