package mcpbridge

import (
	"encoding/json"
	"fmt"
	"os"
)

// ServerConfig describes one external MCP server entry in the manifest.
type ServerConfig struct {
	Type         string   `json:"type"`
	URL          string   `json:"url"`
	AllowedTools []string `json:"allowedTools,omitempty"`
	DeniedTools  []string `json:"deniedTools,omitempty"`
}

// Manifest is the on-disk MCP server manifest (spec §4.10).
type Manifest struct {
	McpServers map[string]ServerConfig `json:"mcpServers"`
}

// LoadManifest reads and parses the manifest at path. A missing file is not
// an error — it is treated as an empty manifest so the bridge can start
// before any server has been configured.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{McpServers: map[string]ServerConfig{}}, nil
		}
		return Manifest{}, fmt.Errorf("mcpbridge: read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("mcpbridge: parse manifest: %w", err)
	}
	if m.McpServers == nil {
		m.McpServers = map[string]ServerConfig{}
	}
	return m, nil
}

