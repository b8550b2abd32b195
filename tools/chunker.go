package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/MarimerLLC/rockbot/memory"
)

// DefaultChunkThreshold is the result length above which the chunking
// wrapper engages (spec §4.7).
const DefaultChunkThreshold = 16000

// DefaultChunkSize bounds each stored chunk.
const DefaultChunkSize = 20000

// ChunkTTL is how long a stored chunk survives in working memory.
const ChunkTTL = 20 * time.Minute

var toolNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// RunIDFunc produces a fresh identifier for one chunked result, used to
// namespace its chunk keys.
type RunIDFunc func() string

// ExemptFunc reports whether a tool name is a read-from-working-memory
// operation exempt from chunking regardless of result size.
type ExemptFunc func(toolName string) bool

// ChunkingExecutor decorates next, splitting oversized string results into
// working-memory chunks and returning an index table, or truncating when no
// session namespace is available.
type ChunkingExecutor struct {
	next      Executor
	working   memory.WorkingMemory
	threshold int
	chunkSize int
	runID     RunIDFunc
	exempt    ExemptFunc
}

// ChunkingOption configures a ChunkingExecutor.
type ChunkingOption func(*ChunkingExecutor)

func WithThreshold(n int) ChunkingOption { return func(c *ChunkingExecutor) { c.threshold = n } }
func WithChunkSize(n int) ChunkingOption { return func(c *ChunkingExecutor) { c.chunkSize = n } }
func WithExempt(fn ExemptFunc) ChunkingOption {
	return func(c *ChunkingExecutor) { c.exempt = fn }
}

// NewChunkingExecutor wraps next with chunking behavior, storing chunks in
// working under a namespace derived from req.SessionId.
func NewChunkingExecutor(next Executor, working memory.WorkingMemory, runID RunIDFunc, opts ...ChunkingOption) *ChunkingExecutor {
	c := &ChunkingExecutor{
		next:      next,
		working:   working,
		threshold: DefaultChunkThreshold,
		chunkSize: DefaultChunkSize,
		runID:     runID,
		exempt:    func(string) bool { return false },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ChunkingExecutor) Execute(ctx context.Context, req Request) (Response, error) {
	resp, err := c.next.Execute(ctx, req)
	if err != nil || resp.IsError {
		return resp, err
	}
	if len(resp.Content) <= c.threshold || c.exempt(req.ToolName) {
		return resp, nil
	}

	namespace := sessionNamespace(req.SessionId)
	if namespace == "" || c.working == nil {
		return c.truncate(resp), nil
	}

	chunks := splitIntoChunks(resp.Content, c.chunkSize)
	sanitized := toolNameSanitizer.ReplaceAllString(req.ToolName, "_")
	runID := "run"
	if c.runID != nil {
		runID = c.runID()
	}

	var index strings.Builder
	index.WriteString(fmt.Sprintf("Result too large (%d chars); split into %d chunks stored in working memory:\n", len(resp.Content), len(chunks)))
	for i, chunk := range chunks {
		key := fmt.Sprintf("%s/tool:%s:%s:chunk%d", namespace, sanitized, runID, i+1)
		if err := c.working.Set(ctx, key, chunk.body, ChunkTTL, "tool-chunk", nil); err != nil {
			return resp, fmt.Errorf("tools: store chunk %d: %w", i+1, err)
		}
		fmt.Fprintf(&index, "- %s -> %s\n", chunk.heading, key)
	}
	index.WriteString("Retrieve a chunk with a working-memory read on its key.")

	resp.Content = index.String()
	return resp, nil
}

func (c *ChunkingExecutor) truncate(resp Response) Response {
	omitted := len(resp.Content) - c.threshold
	resp.Content = resp.Content[:c.threshold] + fmt.Sprintf("\n... [%d chars omitted, no session available to store the remainder]", omitted)
	return resp
}

// sessionNamespace derives a working-memory namespace from a session id, or
// returns "" when no session is available.
func sessionNamespace(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	return "session/" + sessionID
}

type namedChunk struct {
	heading string
	body    string
}

// splitIntoChunks splits content at markdown heading boundaries, then
// blank-line boundaries, hard-splitting anything still over maxLen.
func splitIntoChunks(content string, maxLen int) []namedChunk {
	sections := splitAtHeadings(content)
	var chunks []namedChunk
	for _, s := range sections {
		if len(s.body) <= maxLen {
			chunks = append(chunks, s)
			continue
		}
		for _, part := range splitAtBlankLines(s.body, maxLen) {
			chunks = append(chunks, namedChunk{heading: s.heading, body: part})
		}
	}
	return chunks
}

var headingPattern = regexp.MustCompile(`(?m)^#{1,6}\s+.+$`)

func splitAtHeadings(content string) []namedChunk {
	locs := headingPattern.FindAllStringIndex(content, -1)
	if len(locs) == 0 {
		return []namedChunk{{heading: "result", body: content}}
	}
	var sections []namedChunk
	if locs[0][0] > 0 {
		sections = append(sections, namedChunk{heading: "result", body: content[:locs[0][0]]})
	}
	for i, loc := range locs {
		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := content[loc[0]:end]
		heading := strings.TrimSpace(content[loc[0]:loc[1]])
		sections = append(sections, namedChunk{heading: heading, body: body})
	}
	return sections
}

func splitAtBlankLines(content string, maxLen int) []string {
	paragraphs := strings.Split(content, "\n\n")
	var parts []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			parts = append(parts, current.String())
			current.Reset()
		}
	}
	for _, p := range paragraphs {
		if current.Len()+len(p)+2 > maxLen {
			flush()
		}
		if len(p) > maxLen {
			flush()
			parts = append(parts, hardSplit(p, maxLen)...)
			continue
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	flush()
	if len(parts) == 0 {
		return hardSplit(content, maxLen)
	}
	return parts
}

func hardSplit(s string, maxLen int) []string {
	if maxLen <= 0 {
		return []string{s}
	}
	var parts []string
	for len(s) > maxLen {
		parts = append(parts, s[:maxLen])
		s = s[maxLen:]
	}
	if len(s) > 0 {
		parts = append(parts, s)
	}
	return parts
}
