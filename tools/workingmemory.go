package tools

import (
	"context"
	"fmt"

	"github.com/MarimerLLC/rockbot/memory"
)

// WorkingMemoryReadToolName is the tool name a ChunkingExecutor's index table
// points back to (spec §4.7: "retrieve a chunk with a working-memory read").
const WorkingMemoryReadToolName = "working_memory_read"

// WorkingMemoryReadArgs names the single key a prior chunked tool result
// pointed to, grounded on the pack's shared_memory_read built-in tool
// pattern (teradata-labs-loom's pkg/shuttle/builtin/shared_memory.go).
type WorkingMemoryReadArgs struct {
	Key string `json:"key" jsonschema:"required,description=Working-memory key, as printed in a chunked tool result's index table"`
}

// RegisterWorkingMemoryReadTool registers the built-in tool that closes the
// chunking loop: a model that received a chunk index table calls this to
// fetch one chunk's full body. Registered directly against r rather than
// through a host's chunking-aware AddToolHandler, since this tool's own
// output must never itself be re-chunked.
func RegisterWorkingMemoryReadTool(r *Registry, working memory.WorkingMemory) error {
	return RegisterTyped(r, WorkingMemoryReadToolName,
		"Read back one chunk of a prior tool result that was too large to return inline, by the key printed in its index table.",
		"builtin",
		func(ctx context.Context, args WorkingMemoryReadArgs, req Request) (Response, error) {
			entry, ok, err := working.Get(ctx, args.Key)
			if err != nil {
				return Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: err.Error(), IsError: true}, nil
			}
			if !ok {
				return Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: fmt.Sprintf("no working-memory entry for key %q (it may have expired)", args.Key), IsError: true}, nil
			}
			return Response{ToolCallId: req.ToolCallId, ToolName: req.ToolName, Content: entry.Value}, nil
		})
}
