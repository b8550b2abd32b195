// Package tools implements RockBot's tool registry and chunking wrapper
// (spec §4.7): a uniform execution surface for in-process tools, MCP
// proxies, HTTP-backed tools, and delegated (A2A/subagent) calls.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	jsonschemav6 "github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrToolAlreadyRegistered is returned by Register when name collides with
// an existing registration within the process.
var ErrToolAlreadyRegistered = errors.New("tools: tool already registered")

// ErrToolNotFound is returned by GetExecutor for an unregistered name.
var ErrToolNotFound = errors.New("tools: tool not found")

// ErrInvalidSchema is returned by Register when ParametersSchema does not
// compile as JSON Schema.
var ErrInvalidSchema = errors.New("tools: invalid parameters schema")

// Registration describes a tool as surfaced to the model.
type Registration struct {
	Name              string
	Description       string
	ParametersSchema  string // JSON Schema, as a string
	Source            string
}

// Request carries one tool invocation.
type Request struct {
	ToolCallId string
	ToolName   string
	Arguments  string // JSON-encoded
	SessionId  string
}

// Response carries the result of one tool invocation.
type Response struct {
	ToolCallId string
	ToolName   string
	Content    string
	IsError    bool
}

// Executor executes a single tool call.
type Executor interface {
	Execute(ctx context.Context, req Request) (Response, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (Response, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

type entry struct {
	registration Registration
	executor     Executor
	schema       *jsonschemav6.Schema
}

// Registry holds name -> (registration, executor) pairs, one per process.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register inserts reg/executor under reg.Name. ParametersSchema, when
// non-empty, is compiled with santhosh-tekuri/jsonschema/v6 and used to
// validate arguments on every Execute call; a compile failure rejects the
// registration outright so a broken tool never reaches the model.
func (r *Registry) Register(reg Registration, executor Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[reg.Name]; exists {
		return fmt.Errorf("%w: %q", ErrToolAlreadyRegistered, reg.Name)
	}

	var compiled *jsonschemav6.Schema
	if reg.ParametersSchema != "" {
		var err error
		compiled, err = compileSchema(reg.Name, reg.ParametersSchema)
		if err != nil {
			return fmt.Errorf("%w: %q: %w", ErrInvalidSchema, reg.Name, err)
		}
	}

	r.entries[reg.Name] = entry{registration: reg, executor: executor, schema: compiled}
	return nil
}

// Upsert registers reg/executor under reg.Name, replacing any existing
// registration by that name instead of failing — used by dynamic sources
// (MCP tool discovery) whose tool set changes while the process runs.
func (r *Registry) Upsert(reg Registration, executor Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var compiled *jsonschemav6.Schema
	if reg.ParametersSchema != "" {
		var err error
		compiled, err = compileSchema(reg.Name, reg.ParametersSchema)
		if err != nil {
			return fmt.Errorf("%w: %q: %w", ErrInvalidSchema, reg.Name, err)
		}
	}

	r.entries[reg.Name] = entry{registration: reg, executor: executor, schema: compiled}
	return nil
}

// Deregister removes name, if present. A no-op for an unknown name.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// RegisterTyped registers a tool whose parameters schema is synthesized
// from T via invopop/jsonschema, and whose arguments are decoded into T
// before handler runs.
func RegisterTyped[T any](r *Registry, name, description, source string, handler func(ctx context.Context, args T, req Request) (Response, error)) error {
	reflector := &jsonschema.Reflector{ExpandedStruct: true}
	schema := reflector.Reflect(new(T))
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("tools: reflect schema for %q: %w", name, err)
	}

	executor := ExecutorFunc(func(ctx context.Context, req Request) (Response, error) {
		var args T
		if req.Arguments != "" {
			if err := json.Unmarshal([]byte(req.Arguments), &args); err != nil {
				return Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
			}
		}
		return handler(ctx, args, req)
	})

	return r.Register(Registration{Name: name, Description: description, ParametersSchema: string(schemaBytes), Source: source}, executor)
}

// Describe returns the human-readable description registered for name, or
// name itself when no registration exists or its description is empty, so
// callers announcing a tool call always have something sensible to report.
func (r *Registry) Describe(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || e.registration.Description == "" {
		return name
	}
	return e.registration.Description
}

// GetTools returns every registration currently held.
func (r *Registry) GetTools() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.registration)
	}
	return out
}

// GetExecutor returns the executor registered for name. When the tool has a
// compiled schema, the executor is wrapped so that each Execute validates
// req.Arguments against it before calling the tool.
func (r *Registry) GetExecutor(name string) (Executor, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	if e.schema == nil {
		return e.executor, nil
	}
	return validatingExecutor{schema: e.schema, next: e.executor}, nil
}

type validatingExecutor struct {
	schema *jsonschemav6.Schema
	next   Executor
}

func (v validatingExecutor) Execute(ctx context.Context, req Request) (Response, error) {
	if req.Arguments != "" {
		var decoded any
		if err := json.Unmarshal([]byte(req.Arguments), &decoded); err != nil {
			return Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: fmt.Sprintf("invalid JSON arguments: %v", err), IsError: true}, nil
		}
		if err := v.schema.Validate(decoded); err != nil {
			return Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: fmt.Sprintf("arguments failed schema validation: %v", err), IsError: true}, nil
		}
	}
	return v.next.Execute(ctx, req)
}

func compileSchema(name, schema string) (*jsonschemav6.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(schema), &doc); err != nil {
		return nil, err
	}
	url := "rockbot:///tool/" + name + ".schema.json"
	compiler := jsonschemav6.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
