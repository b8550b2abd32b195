// Package mcpbridge implements RockBot's MCP bridge (spec §4.10): a hosted
// service that owns the lifecycle of external MCP server connections,
// advertises their (filtered) tool sets onto the bus, and proxies
// tool-invocation requests to whichever server can serve them.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/MarimerLLC/rockbot/amqpbroker"
	"github.com/MarimerLLC/rockbot/envelope"
	"github.com/MarimerLLC/rockbot/telemetry"
)

// serverState is a server connection's position in the spec's state
// machine: Disconnected -> Connecting -> Active -> Disconnected.
type serverState int

const (
	StateDisconnected serverState = iota
	StateConnecting
	StateActive
)

func (s serverState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateActive:
		return "Active"
	default:
		return "Disconnected"
	}
}

// DefaultToolTimeout bounds a tool invocation when the caller supplies no
// (or a larger) timeout header.
const DefaultToolTimeout = 30 * time.Second

// DebounceWindow is how long the manifest watcher waits after the last
// filesystem event before reloading (spec §4.10).
const DebounceWindow = 500 * time.Millisecond

// serverConn tracks one configured server's live connection and advertised
// tools.
type serverConn struct {
	name   string
	cfg    ServerConfig
	filter toolFilter

	mu     sync.Mutex
	state  serverState
	client mcpClient
	tools  []mcp.Tool
}

func (s *serverConn) toolNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tools))
	for _, t := range s.tools {
		names = append(names, t.Name)
	}
	return names
}

func (s *serverConn) hasTool(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Bridge is the MCP bridge hosted service.
type Bridge struct {
	agentName    string
	manifestPath string
	broker       amqpbroker.Broker
	factory      clientFactory

	logger telemetry.Logger
	tracer telemetry.Tracer

	invokeTopic  string
	refreshTopic string
	metaTopic    string
	resultTopic  string

	mu                 sync.Mutex
	servers            map[string]*serverConn
	startupCompletedAt time.Time
}

// Option configures a Bridge.
type Option func(*Bridge)

func WithLogger(l telemetry.Logger) Option { return func(b *Bridge) { b.logger = l } }
func WithTracer(t telemetry.Tracer) Option { return func(b *Bridge) { b.tracer = t } }

// withClientFactory overrides how server connections are constructed;
// exported only to tests in this package.
func withClientFactory(f clientFactory) Option { return func(b *Bridge) { b.factory = f } }

// New constructs a Bridge for agentName, reading its manifest from
// manifestPath.
func New(agentName string, broker amqpbroker.Broker, manifestPath string, opts ...Option) *Bridge {
	b := &Bridge{
		agentName:    agentName,
		manifestPath: manifestPath,
		broker:       broker,
		factory:      defaultClientFactory,
		logger:       telemetry.NewNoopLogger(),
		tracer:       telemetry.NewNoopTracer(),
		invokeTopic:  "tool.invoke",
		refreshTopic: "tool.meta.mcp.refresh",
		metaTopic:    "tool.meta.mcp." + agentName,
		resultTopic:  "tool.result." + agentName,
		servers:      make(map[string]*serverConn),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run is the bridge's HostedService entry point: it subscribes to its two
// inbound topics, connects every configured server, then watches the
// manifest file for changes until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	if _, err := b.broker.Subscribe(ctx, b.invokeTopic, "mcpbridge."+b.agentName+".invoke", func(ctx context.Context, e envelope.Envelope) envelope.MessageResult {
		b.handleInvoke(ctx, e)
		return envelope.Ack
	}); err != nil {
		return fmt.Errorf("mcpbridge: subscribe %q: %w", b.invokeTopic, err)
	}

	if _, err := b.broker.Subscribe(ctx, b.refreshTopic, "mcpbridge."+b.agentName+".refresh", func(ctx context.Context, e envelope.Envelope) envelope.MessageResult {
		b.handleRefresh(ctx, e)
		return envelope.Ack
	}); err != nil {
		return fmt.Errorf("mcpbridge: subscribe %q: %w", b.refreshTopic, err)
	}

	manifest, err := LoadManifest(b.manifestPath)
	if err != nil {
		return err
	}
	b.reconcile(ctx, manifest)

	b.mu.Lock()
	b.startupCompletedAt = time.Now().UTC()
	b.mu.Unlock()

	return b.watchManifest(ctx)
}

// reconcile connects newly-configured servers, disconnects removed ones, and
// reconnects updated ones, publishing McpToolsAvailable for every change. A
// failure connecting one server never aborts the reconciliation of the
// others; every failure is collected and logged as a single aggregated error
// once the pass completes.
func (b *Bridge) reconcile(ctx context.Context, manifest Manifest) {
	b.mu.Lock()
	existing := make(map[string]*serverConn, len(b.servers))
	for name, conn := range b.servers {
		existing[name] = conn
	}
	b.mu.Unlock()

	for name, conn := range existing {
		if _, stillConfigured := manifest.McpServers[name]; !stillConfigured {
			b.disconnectServer(name, conn)
		}
	}

	var failures *multierror.Error
	for name, cfg := range manifest.McpServers {
		prev, ok := existing[name]
		if ok && serverConfigEqual(prev.cfg, cfg) {
			continue
		}
		if ok {
			b.disconnectServer(name, prev)
		}
		if err := b.connectServer(ctx, name, cfg); err != nil {
			failures = multierror.Append(failures, fmt.Errorf("%s: %w", name, err))
		}
	}
	if failures.ErrorOrNil() != nil {
		b.logger.Error(ctx, "mcpbridge: reconcile had server connection failures", "error", failures.Error())
	}
}

func serverConfigEqual(a, b ServerConfig) bool {
	return a.Type == b.Type && a.URL == b.URL &&
		stringsEqual(a.AllowedTools, b.AllowedTools) && stringsEqual(a.DeniedTools, b.DeniedTools)
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (b *Bridge) connectServer(ctx context.Context, name string, cfg ServerConfig) error {
	conn := &serverConn{name: name, cfg: cfg, filter: newToolFilter(cfg), state: StateConnecting}
	b.mu.Lock()
	b.servers[name] = conn
	b.mu.Unlock()

	client, err := b.factory(cfg)
	if err != nil {
		conn.mu.Lock()
		conn.state = StateDisconnected
		conn.mu.Unlock()
		return fmt.Errorf("connect: %w", err)
	}

	listed, err := initializeAndList(ctx, client)
	if err != nil {
		conn.mu.Lock()
		conn.state = StateDisconnected
		conn.mu.Unlock()
		return fmt.Errorf("list tools: %w", err)
	}

	var filtered []mcp.Tool
	for _, t := range listed {
		if conn.filter.allowed(t.Name) {
			filtered = append(filtered, t)
		}
	}

	conn.mu.Lock()
	conn.client = client
	conn.tools = filtered
	conn.state = StateActive
	conn.mu.Unlock()

	b.publishAvailable(ctx, name, filtered, nil)
	return nil
}

func (b *Bridge) disconnectServer(name string, conn *serverConn) {
	b.mu.Lock()
	delete(b.servers, name)
	b.mu.Unlock()

	removed := conn.toolNames()

	conn.mu.Lock()
	if conn.client != nil {
		_ = conn.client.Close()
	}
	conn.state = StateDisconnected
	conn.mu.Unlock()

	b.publishAvailable(context.Background(), name, nil, removed)
}

func (b *Bridge) publishAvailable(ctx context.Context, serverName string, tools []mcp.Tool, removed []string) {
	descriptors := make([]ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		schema, _ := json.Marshal(t.InputSchema)
		descriptors = append(descriptors, ToolDescriptor{Name: t.Name, Description: t.Description, ParametersSchema: string(schema)})
	}

	payload := McpToolsAvailable{ServerName: serverName, Tools: descriptors, RemovedTools: removed}
	e, err := envelope.ToEnvelope(b.metaTopic, payload, "mcpbridge",
		envelope.WithHeaders(map[string]string{envelope.HeaderContentTrust: envelope.TrustSystem}))
	if err != nil {
		b.logger.Error(ctx, "mcpbridge: encode McpToolsAvailable failed", "error", err.Error())
		return
	}
	if err := b.broker.Publish(ctx, b.metaTopic, e); err != nil {
		b.logger.Error(ctx, "mcpbridge: publish McpToolsAvailable failed", "error", err.Error())
	}
}

// watchManifest blocks until ctx is cancelled, reloading and reconciling the
// manifest whenever its file changes, debounced by DebounceWindow.
func (b *Bridge) watchManifest(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("mcpbridge: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(b.manifestPath)); err != nil {
		b.logger.Error(ctx, "mcpbridge: watch manifest failed, hot-reload disabled", "path", b.manifestPath, "error", err.Error())
		<-ctx.Done()
		return nil
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != b.manifestPath {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(DebounceWindow, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(DebounceWindow)
			}
		case <-reload:
			manifest, err := LoadManifest(b.manifestPath)
			if err != nil {
				b.logger.Error(ctx, "mcpbridge: reload manifest failed", "error", err.Error())
				continue
			}
			b.reconcile(ctx, manifest)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.logger.Error(ctx, "mcpbridge: watcher error", "error", err.Error())
		}
	}
}
