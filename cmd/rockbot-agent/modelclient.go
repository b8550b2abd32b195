package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/MarimerLLC/rockbot/memory"
	"github.com/MarimerLLC/rockbot/orchestrator"
	"github.com/MarimerLLC/rockbot/tools"
)

// httpModelClient implements orchestrator.ModelClient against any endpoint
// speaking the OpenAI-style chat-completions wire format (request/response
// shapes only — no vendor SDK), since the spec names "no specific LLM vendor
// API contract beyond the abstract chat-client interface" as a Non-goal
// (spec §1). Any self-hosted or gateway endpoint exposing that wire shape —
// which is what config.ModelTierConfig.Endpoint is expected to point at —
// works without a vendor-specific client.
type httpModelClient struct {
	httpClient *http.Client
	endpoints  map[string]endpointConfig
}

type endpointConfig struct {
	url     string
	apiKey  string
	limiter *rate.Limiter
}

func newHTTPModelClient(endpoints map[string]endpointConfig) *httpModelClient {
	return &httpModelClient{httpClient: &http.Client{Timeout: 2 * time.Minute}, endpoints: endpoints}
}

type chatMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content,omitempty"`
	ToolCallId string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []chatTool    `json:"tools,omitempty"`
}

type chatToolCall struct {
	Id       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete implements orchestrator.ModelClient.
func (c *httpModelClient) Complete(ctx context.Context, modelID string, messages []orchestrator.Message, toolsAvailable []tools.Registration, allowTools bool) (orchestrator.ModelResponse, error) {
	ep, ok := c.endpoints[modelID]
	if !ok {
		return orchestrator.ModelResponse{}, fmt.Errorf("rockbot-agent: no model endpoint configured for %q", modelID)
	}
	if ep.limiter != nil {
		if err := ep.limiter.Wait(ctx); err != nil {
			return orchestrator.ModelResponse{}, fmt.Errorf("rockbot-agent: rate limit wait: %w", err)
		}
	}

	reqBody := chatRequest{Model: modelID, Messages: toChatMessages(messages)}
	if allowTools {
		reqBody.Tools = toChatTools(toolsAvailable)
	}

	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return orchestrator.ModelResponse{}, fmt.Errorf("rockbot-agent: encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(encoded))
	if err != nil {
		return orchestrator.ModelResponse{}, fmt.Errorf("rockbot-agent: build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if ep.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+ep.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return orchestrator.ModelResponse{}, fmt.Errorf("rockbot-agent: chat request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return orchestrator.ModelResponse{}, fmt.Errorf("rockbot-agent: read chat response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return orchestrator.ModelResponse{}, fmt.Errorf("rockbot-agent: chat request failed: %s: %s", resp.Status, string(respBody))
	}

	var decoded chatResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return orchestrator.ModelResponse{}, fmt.Errorf("rockbot-agent: decode chat response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return orchestrator.ModelResponse{}, fmt.Errorf("rockbot-agent: chat response had no choices")
	}

	choice := decoded.Choices[0].Message
	out := orchestrator.ModelResponse{Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, orchestrator.ModelToolCall{
			ToolCallId: tc.Id, ToolName: tc.Function.Name, Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func toChatMessages(messages []orchestrator.Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		role := "user"
		switch m.Role {
		case memory.RoleAssistant:
			role = "assistant"
		case memory.RoleSystem:
			role = "system"
		case memory.RoleTool:
			role = "tool"
		}
		out = append(out, chatMessage{Role: role, Content: m.Content, ToolCallId: m.ToolCallId, Name: m.ToolName})
	}
	return out
}

func toChatTools(regs []tools.Registration) []chatTool {
	out := make([]chatTool, 0, len(regs))
	for _, r := range regs {
		var params any
		if r.ParametersSchema != "" {
			_ = json.Unmarshal([]byte(r.ParametersSchema), &params)
		}
		out = append(out, chatTool{Type: "function", Function: chatFunction{Name: r.Name, Description: r.Description, Parameters: params}})
	}
	return out
}

func resolveAPIKey(envVar string) string {
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}
