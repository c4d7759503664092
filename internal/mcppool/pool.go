// Package mcppool maintains one MCP client session per configured toolset.
// Sessions are dialed lazily over streamable HTTP, cached, and redialed
// after transport failures. The pool implements engine.MCPCaller.
package mcppool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parleyhq/parley/internal/log"
)

// Endpoint is the dialing configuration of one MCP toolset.
type Endpoint struct {
	URL     string            `json:"endpoint"`
	Headers map[string]string `json:"headers"`
}

// ResolveFunc maps a toolset id to its endpoint configuration; the store
// provides this from the toolsets table.
type ResolveFunc func(ctx context.Context, toolsetID uuid.UUID) (Endpoint, error)

// Pool is safe for concurrent use by multiple goroutines.
type Pool struct {
	resolve ResolveFunc
	logger  log.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*mcp.ClientSession
}

// New creates a Pool.
func New(resolve ResolveFunc, logger log.Logger) (*Pool, error) {
	if resolve == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Pool{
		resolve:  resolve,
		logger:   logger,
		sessions: make(map[uuid.UUID]*mcp.ClientSession),
	}, nil
}

// CallTool invokes remoteName on the toolset's server. Remote IsError
// results are returned as errors carrying the server's text content.
func (p *Pool) CallTool(ctx context.Context, toolsetID uuid.UUID, remoteName string, args json.RawMessage) (json.RawMessage, error) {
	session, err := p.session(ctx, toolsetID)
	if err != nil {
		return nil, err
	}

	params := &mcp.CallToolParams{Name: remoteName}
	if len(args) > 0 {
		params.Arguments = args
	}

	res, err := session.CallTool(ctx, params)
	if err != nil {
		// The session may have died with the transport; drop it so the
		// next call redials.
		p.evict(toolsetID, session)
		return nil, fmt.Errorf("calling tool %q: %w", remoteName, err)
	}

	text := contentText(res.Content)
	if res.IsError {
		return nil, fmt.Errorf("tool %q returned an error: %s", remoteName, text)
	}
	return json.RawMessage(text), nil
}

// Close terminates all cached sessions.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, session := range p.sessions {
		if err := session.Close(); err != nil {
			p.logger.Warn("closing mcp session", "toolset_id", id, "error", err)
		}
		delete(p.sessions, id)
	}
	return nil
}

func (p *Pool) session(ctx context.Context, toolsetID uuid.UUID) (*mcp.ClientSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if session, ok := p.sessions[toolsetID]; ok {
		return session, nil
	}

	endpoint, err := p.resolve(ctx, toolsetID)
	if err != nil {
		return nil, fmt.Errorf("resolving toolset %s: %w", toolsetID, err)
	}
	if endpoint.URL == "" {
		return nil, fmt.Errorf("toolset %s has no endpoint configured", toolsetID)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "parley", Version: "1.0.0"}, nil)
	transport := &mcp.StreamableClientTransport{
		Endpoint:   endpoint.URL,
		HTTPClient: httpClientFor(endpoint.Headers),
	}
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to mcp server at %s: %w", endpoint.URL, err)
	}

	p.logger.Info("mcp session established", "toolset_id", toolsetID, "endpoint", endpoint.URL)
	p.sessions[toolsetID] = session
	return session, nil
}

func (p *Pool) evict(toolsetID uuid.UUID, session *mcp.ClientSession) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sessions[toolsetID] == session {
		delete(p.sessions, toolsetID)
		if err := session.Close(); err != nil {
			p.logger.Debug("closing failed mcp session", "toolset_id", toolsetID, "error", err)
		}
	}
}

// contentText flattens a result's text content blocks.
func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if text, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// headerRoundTripper attaches configured auth headers to every request.
type headerRoundTripper struct {
	headers map[string]string
	next    http.RoundTripper
}

func (rt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range rt.headers {
		req.Header.Set(k, v)
	}
	return rt.next.RoundTrip(req)
}

func httpClientFor(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return http.DefaultClient
	}
	return &http.Client{Transport: &headerRoundTripper{headers: headers, next: http.DefaultTransport}}
}
