package config

import (
	"encoding/json"
	"fmt"
)

// MCPConfig controls Model Context Protocol tool sources.
type MCPConfig struct {
	TimeoutSeconds int                  `mapstructure:"timeout_seconds" json:"timeout_seconds"` // connect timeout, default 5
	Servers        map[string]MCPServer `mapstructure:"servers" json:"servers"`
}

// MCPServer defines one stdio-launched MCP server.
type MCPServer struct {
	Command        string            `mapstructure:"command" json:"command"` // required: executable (e.g. "npx")
	Args           []string          `mapstructure:"args" json:"args"`
	Env            map[string]string `mapstructure:"env" json:"env"` // SECURITY: may contain API keys, masked in MarshalJSON
	TimeoutSeconds int               `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	IncludeTools   []string          `mapstructure:"include_tools" json:"include_tools"`
	ExcludeTools   []string          `mapstructure:"exclude_tools" json:"exclude_tools"`
}

// MarshalJSON implements json.Marshaler with sensitive field masking.
// All Env values are masked since they routinely carry tokens.
func (m MCPServer) MarshalJSON() ([]byte, error) {
	type alias MCPServer
	a := alias(m)
	if a.Env != nil {
		masked := make(map[string]string, len(a.Env))
		for k, v := range a.Env {
			masked[k] = maskSecret(v)
		}
		a.Env = masked
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal mcp server: %w", err)
	}
	return data, nil
}

// SearXNGConfig holds the SearXNG instance used by the web_search tool.
type SearXNGConfig struct {
	// BaseURL is the SearXNG instance URL (e.g. http://searxng:8080).
	BaseURL string `mapstructure:"base_url" json:"base_url"`
	// MaxResults caps how many results feed back to the model.
	MaxResults int `mapstructure:"max_results" json:"max_results"`
}

// FetchConfig bounds the fetch_page tool.
type FetchConfig struct {
	// MaxBodyBytes caps the downloaded body size (default 2 MiB).
	MaxBodyBytes int `mapstructure:"max_body_bytes" json:"max_body_bytes"`
	// TimeoutSeconds is the per-fetch timeout (default 20).
	TimeoutSeconds int `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	// AllowLoopback relaxes SSRF screening to admit loopback targets.
	// Development only; never enable in production.
	AllowLoopback bool `mapstructure:"allow_loopback" json:"allow_loopback"`
}
