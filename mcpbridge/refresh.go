package mcpbridge

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/MarimerLLC/rockbot/envelope"
)

func (b *Bridge) handleRefresh(ctx context.Context, e envelope.Envelope) {
	b.mu.Lock()
	startup := b.startupCompletedAt
	b.mu.Unlock()
	if e.Timestamp.Before(startup) {
		return
	}

	req, ok := envelope.GetPayload[McpMetadataRefreshRequest](e)
	if !ok {
		return
	}

	if req.ServerName != "" {
		if conn, found := b.server(req.ServerName); found {
			b.refreshServer(ctx, conn)
		}
		return
	}

	for _, conn := range b.allServers() {
		b.refreshServer(ctx, conn)
	}
}

func (b *Bridge) server(name string) (*serverConn, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn, ok := b.servers[name]
	return conn, ok
}

func (b *Bridge) allServers() []*serverConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns := make([]*serverConn, 0, len(b.servers))
	for _, conn := range b.servers {
		conns = append(conns, conn)
	}
	return conns
}

func (b *Bridge) refreshServer(ctx context.Context, conn *serverConn) {
	conn.mu.Lock()
	client := conn.client
	before := make(map[string]bool, len(conn.tools))
	for _, t := range conn.tools {
		before[t.Name] = true
	}
	conn.mu.Unlock()

	if client == nil {
		return
	}

	listed, err := client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		b.logger.Error(ctx, "mcpbridge: refresh list tools failed", "server", conn.name, "error", err.Error())
		return
	}

	var filtered []mcp.Tool
	after := make(map[string]bool, len(listed.Tools))
	for _, t := range listed.Tools {
		if conn.filter.allowed(t.Name) {
			filtered = append(filtered, t)
			after[t.Name] = true
		}
	}

	var removed []string
	for name := range before {
		if !after[name] {
			removed = append(removed, name)
		}
	}

	conn.mu.Lock()
	conn.tools = filtered
	conn.mu.Unlock()

	b.publishAvailable(ctx, conn.name, filtered, removed)
}
