package host

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/MarimerLLC/rockbot/tools"
)

// AddTypedToolHandler registers a tool whose parameters schema is
// synthesized from T via invopop/jsonschema, the same convenience
// tools.RegisterTyped provides, but routed through AddToolHandler so a
// chunking wrapper is applied uniformly when working memory is attached.
func AddTypedToolHandler[T any](b *Builder, name, description, source string, handler func(ctx context.Context, args T, req tools.Request) (tools.Response, error)) *Builder {
	reflector := &jsonschema.Reflector{ExpandedStruct: true}
	schema := reflector.Reflect(new(T))
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		b.err = fmt.Errorf("host: reflect schema for %q: %w", name, err)
		return b
	}

	executor := tools.ExecutorFunc(func(ctx context.Context, req tools.Request) (tools.Response, error) {
		var args T
		if req.Arguments != "" {
			if err := json.Unmarshal([]byte(req.Arguments), &args); err != nil {
				return tools.Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
			}
		}
		return handler(ctx, args, req)
	})

	return b.AddToolHandler(tools.Registration{Name: name, Description: description, ParametersSchema: string(schemaBytes), Source: source}, executor)
}
