package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"goa.design/clue/log"

	"github.com/MarimerLLC/rockbot/a2a"
	"github.com/MarimerLLC/rockbot/amqpbroker"
	"github.com/MarimerLLC/rockbot/config"
	"github.com/MarimerLLC/rockbot/contextassembler"
	"github.com/MarimerLLC/rockbot/host"
	"github.com/MarimerLLC/rockbot/mcpbridge"
	"github.com/MarimerLLC/rockbot/memory/memtest"
	"github.com/MarimerLLC/rockbot/orchestrator"
	"github.com/MarimerLLC/rockbot/pipeline"
	"github.com/MarimerLLC/rockbot/telemetry"
	"github.com/MarimerLLC/rockbot/work"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agent host and run until interrupted",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("rockbot-agent: load config: %w", err)
	}

	profile, err := config.LoadAgentProfile(cfg.DataVolume)
	if err != nil {
		return fmt.Errorf("rockbot-agent: load agent profile: %w", err)
	}

	logger := telemetry.NewClueLogger()
	tracer := telemetry.NewClueTracer()
	metrics := telemetry.NewClueMetrics()

	broker, err := amqpbroker.New(ctx, amqpbroker.Config{
		URL:                cfg.Broker.URL,
		Exchange:           cfg.Broker.Exchange,
		DeadLetterExchange: cfg.Broker.DeadLetter,
		QueuePrefix:        cfg.Identity.AgentName,
		Prefetch:           cfg.Broker.PrefetchSize,
		Logger:             logger,
		Tracer:             tracer,
		Metrics:            metrics,
	})
	if err != nil {
		return fmt.Errorf("rockbot-agent: dial broker: %w", err)
	}

	conversation := memtest.NewConversationMemory()
	longTerm := memtest.NewLongTermMemory()
	working := memtest.NewWorkingMemory(cfg.WorkingMemory.NamespaceCap)
	skills := memtest.NewSkillStore()
	rules := memtest.NewRulesStore()

	seedRules, err := config.LoadSeedRules(cfg.DataVolume)
	if err != nil {
		return fmt.Errorf("rockbot-agent: load seed rules: %w", err)
	}
	for _, r := range seedRules {
		if err := rules.Append(ctx, r); err != nil {
			return fmt.Errorf("rockbot-agent: seed rule: %w", err)
		}
	}

	assembler := contextassembler.New(
		conversation, longTerm, working, skills, rules, profile,
		contextassembler.NewInjectedMemoryTracker(),
		contextassembler.NewSkillIndexTracker(),
	)

	b := host.New(cfg.Identity.AgentName, broker, nil,
		host.WithLogger(logger), host.WithTracer(tracer), host.WithMetrics(metrics)).
		WithIdentity(cfg.Identity.UserProxy).
		WithProfile(profile).
		WithMemory(longTerm, working).
		WithConversationLog(conversation).
		WithSkills(skills).
		WithRules(rules)

	endpoints := make(map[string]endpointConfig, len(cfg.Models))
	defaultModelID := ""
	for name, tier := range cfg.Models {
		if defaultModelID == "" || name == "default" {
			defaultModelID = tier.ModelID
		}
		ep := endpointConfig{url: tier.Endpoint, apiKey: resolveAPIKey(tier.APIKeyEnv)}
		if tier.RateLimitPerSecond > 0 {
			burst := tier.RateLimitBurst
			if burst <= 0 {
				burst = 1
			}
			ep.limiter = rate.NewLimiter(rate.Limit(tier.RateLimitPerSecond), burst)
		}
		endpoints[tier.ModelID] = ep
	}
	if defaultModelID == "" {
		return fmt.Errorf("rockbot-agent: no model tiers configured")
	}
	modelClient := newHTTPModelClient(endpoints)

	serializer := work.NewSerializer()
	sessions := work.NewSessionBackgroundTaskTracker()

	replyPublisher := &busReplyPublisher{
		agentName:  cfg.Identity.AgentName,
		broker:     broker,
		replyTopic: b.ReplyTopic(),
	}

	orch := orchestrator.New(
		cfg.Identity.AgentName, defaultModelID, modelClient, assembler, b.ToolRegistry(),
		conversation, serializer, sessions, replyPublisher,
		orchestrator.WithLogger(logger), orchestrator.WithTracer(tracer),
	)

	subagents := newSubagentWorker(orch)
	replyPublisher.worker = subagents

	b = b.WithUserMessages(func(ctx context.Context, payload host.UserMessagePayload, hctx *pipeline.HandlerContext) error {
		turns, err := conversation.GetTurns(ctx, payload.SessionId)
		if err != nil {
			return fmt.Errorf("rockbot-agent: load prior turns: %w", err)
		}
		return orch.RunTurn(ctx, payload.SessionId, payload.Content, len(turns) == 0)
	})

	b = b.WithFeedback(func(ctx context.Context, payload host.FeedbackPayload, hctx *pipeline.HandlerContext) error {
		if payload.Positive {
			return nil
		}
		return orch.ReEvaluate(ctx, payload.SessionId)
	})

	directory := a2a.NewDirectory()
	whiteboard := a2a.NewWhiteboard()
	caller := a2a.NewCaller(cfg.Identity.AgentName, broker, directory, a2a.WithCallerLogger(logger))
	tracker := a2a.NewTracker(cfg.Identity.AgentName, broker, orch, subagents, whiteboard, a2a.WithTrackerLogger(logger))

	taskExecutor := a2a.TaskExecutor(func(ctx context.Context, req a2a.AgentTaskRequest) (string, error) {
		return subagents.RunSubagentTurn(ctx, req.TaskId, "task/"+req.TaskId, req.Message)
	})
	handler := a2a.NewHandler(cfg.Identity.AgentName, broker, taskExecutor, a2a.WithHandlerLogger(logger))

	host.HandleMessage[a2a.AgentTaskRequest](b, "AgentTaskRequest", handler.HandleTask)
	b = b.SubscribeTo("agent.task."+cfg.Identity.AgentName, "agent.task")
	host.HandleMessage[a2a.AgentTaskCancelRequest](b, "AgentTaskCancelRequest", handler.HandleCancel)
	b = b.SubscribeTo("agent.task.cancel."+cfg.Identity.AgentName, "agent.task.cancel")

	host.HandleMessage[a2a.AgentTaskStatusUpdate](b, "AgentTaskStatusUpdate", caller.HandleStatusUpdate)
	host.HandleMessage[a2a.AgentTaskResult](b, "AgentTaskResult", caller.HandleResult)
	host.HandleMessage[a2a.AgentTaskError](b, "AgentTaskError", caller.HandleError)
	b = b.SubscribeTo(caller.ResultTopic(), "agent.result")

	host.AddTypedToolHandler(b, "invoke_agent", "Delegate a task to another agent by name and skill.", "a2a", caller.HandleInvokeAgentTool)
	host.AddTypedToolHandler(b, "spawn_subagent", "Spawn a subagent to carry out a task in the background.", "a2a", tracker.HandleSpawnSubagentTool)
	host.AddTypedToolHandler(b, "report_progress", "Report a running subagent task's progress into its parent session.", "a2a", tracker.HandleReportProgressTool)
	host.AddTypedToolHandler(b, "whiteboard_write", "Write a value to the shared subagent whiteboard.", "a2a", tracker.HandleWhiteboardWriteTool)
	host.AddTypedToolHandler(b, "whiteboard_read", "Read a value from the shared subagent whiteboard.", "a2a", tracker.HandleWhiteboardReadTool)
	host.AddTypedToolHandler(b, "whiteboard_list", "List every key currently on the shared subagent whiteboard.", "a2a", tracker.HandleWhiteboardListTool)
	host.AddTypedToolHandler(b, "whiteboard_delete", "Delete a key from the shared subagent whiteboard.", "a2a", tracker.HandleWhiteboardDeleteTool)

	bridge := mcpbridge.New(cfg.Identity.AgentName, broker, cfg.Mcp.ManifestPath, mcpbridge.WithLogger(logger))
	proxy := mcpbridge.NewProxyExecutor(cfg.Identity.AgentName, broker, mcpbridge.WithProxyLogger(logger))
	mcpSync := mcpbridge.NewSync(cfg.Identity.AgentName, broker, b.ToolRegistry(), proxy, mcpbridge.WithSyncLogger(logger))

	b = b.AddHostedService(bridge.Run).
		AddHostedService(proxy.Run).
		AddHostedService(mcpSync.Run)

	if cfg.Scheduler.Enabled {
		b = b.WithScheduledWork(cfg.Scheduler.Schedule, serializer, func(ctx context.Context) error {
			return nil
		})
	}
	b = b.WithMetricsEndpoint(cfg.Telemetry.MetricsAddr)

	h, err := b.Build()
	if err != nil {
		return fmt.Errorf("rockbot-agent: build host: %w", err)
	}

	directory.Register(a2a.Card{Name: cfg.Identity.AgentName, Skills: []string{"default"}})

	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("rockbot-agent: start host: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "rockbot-agent started"}, log.KV{K: "agent", V: cfg.Identity.AgentName})

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return h.Shutdown(shutdownCtx)
}
