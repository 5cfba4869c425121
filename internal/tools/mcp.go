package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/okubit/sluice/internal/config"
	"github.com/okubit/sluice/internal/security"
)

const defaultMCPTimeout = 5 * time.Second

// MCP bridges tools from configured Model Context Protocol servers into
// the registry. Each server is launched as a subprocess speaking MCP
// over stdio; the tools it advertises become callable like any builtin.
type MCP struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions []*sdk.ClientSession
}

// ConnectMCP launches every configured MCP server and registers the
// tools it advertises. A server that fails to start or list its tools is
// logged and skipped, so one broken config entry does not take down the
// rest. Close shuts the server subprocesses down.
func ConnectMCP(ctx context.Context, r *Registry, cfg config.MCPConfig, guard *security.Command, logger *slog.Logger) (*MCP, error) {
	if guard == nil {
		guard = security.NewCommand()
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &MCP{logger: logger}

	baseTimeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if baseTimeout <= 0 {
		baseTimeout = defaultMCPTimeout
	}

	// Deterministic connect order keeps tool registration order stable
	// across restarts.
	for _, name := range slices.Sorted(maps.Keys(cfg.Servers)) {
		server := cfg.Servers[name]
		if server.Command == "" {
			logger.Warn("mcp server has no command", "server", name)
			continue
		}
		if err := guard.Validate(server.Command, server.Args); err != nil {
			logger.Warn("mcp server command rejected", "server", name, "error", err)
			continue
		}

		cmd := exec.Command(server.Command, server.Args...)
		cmd.Env = os.Environ()
		for k, v := range server.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}

		timeout := baseTimeout
		if server.TimeoutSeconds > 0 {
			timeout = time.Duration(server.TimeoutSeconds) * time.Second
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		count, err := m.attach(cctx, r, name, &sdk.CommandTransport{Command: cmd}, server)
		cancel()
		if err != nil {
			logger.Warn("mcp server unavailable", "server", name, "error", err)
			continue
		}
		logger.Info("mcp server connected", "server", name, "tools", count)
	}

	return m, nil
}

// attach connects one server, lists its tools, and registers those that
// pass the include/exclude filter. The context bounds the handshake and
// listing only; the session itself lives until Close.
func (m *MCP) attach(ctx context.Context, r *Registry, serverName string, transport sdk.Transport, cfg config.MCPServer) (int, error) {
	client := sdk.NewClient(&sdk.Implementation{Name: "sluice", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return 0, fmt.Errorf("connect: %w", err)
	}

	list, err := session.ListTools(ctx, nil)
	if err != nil {
		_ = session.Close()
		return 0, fmt.Errorf("list tools: %w", err)
	}

	registered := 0
	for _, tool := range list.Tools {
		if !includeTool(tool.Name, cfg.IncludeTools, cfg.ExcludeTools) {
			continue
		}
		if err := m.register(r, session, tool); err != nil {
			m.logger.Warn("mcp tool skipped", "server", serverName, "tool", tool.Name, "error", err)
			continue
		}
		registered++
	}

	if registered == 0 {
		_ = session.Close()
		return 0, nil
	}

	m.mu.Lock()
	m.sessions = append(m.sessions, session)
	m.mu.Unlock()
	return registered, nil
}

// register wires one remote tool into the registry. Calls validate
// against the schema the server advertised and execute over the session.
func (m *MCP) register(r *Registry, session *sdk.ClientSession, tool *sdk.Tool) error {
	name := tool.Name
	run := func(ctx context.Context, input any) (any, error) {
		res, err := session.CallTool(ctx, &sdk.CallToolParams{Name: name, Arguments: input})
		if err != nil {
			return nil, fmt.Errorf("call %s: %w", name, err)
		}

		text := textContent(res)
		if res.IsError {
			if text == "" {
				text = "tool reported an error"
			}
			return nil, errors.New(text)
		}

		// Servers conventionally return JSON in a text block; surface it
		// structured when it parses, raw otherwise.
		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err == nil {
			return parsed, nil
		}
		return text, nil
	}

	return defineErased(r, name, tool.Description, tool.InputSchema, run)
}

// Close shuts down all server sessions and their subprocesses.
func (m *MCP) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, s := range m.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.sessions = nil
	return errors.Join(errs...)
}

// includeTool applies a server's include/exclude filter. Exclude wins;
// an empty include list admits everything not excluded.
func includeTool(name string, include, exclude []string) bool {
	if slices.Contains(exclude, name) {
		return false
	}
	if len(include) > 0 {
		return slices.Contains(include, name)
	}
	return true
}

// textContent concatenates the text blocks of a tool result.
func textContent(res *sdk.CallToolResult) string {
	var b strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*sdk.TextContent); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}
