// Package config loads the two on-disk configuration formats this system
// runs on: an agent's JSON "mcpServers" file (one per agent, naming the
// stdio tool servers to dial) and the YAML "deployment_groups" file (one
// per studio, grouping agents with shared delegation/collaboration/execution
// settings). See DeploymentLoader in deployment.go for the
// shallow-join-by-reference semantics.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// MCPServer is one entry of an agent's "mcpServers" map.
type MCPServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// AgentConfig is the decoded shape of an agent's JSON config file.
type AgentConfig struct {
	MCPServers map[string]MCPServer `json:"mcpServers"`
}

// LoadAgentConfig reads and validates the agent JSON config at path. An
// absent "mcpServers" key is a parse error.
func LoadAgentConfig(path string) (AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("config: agent config not found at %s: %w", path, err)
	}

	var raw struct {
		MCPServers map[string]MCPServer `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return AgentConfig{}, fmt.Errorf("config: invalid agent config %s: %w", path, err)
	}
	if raw.MCPServers == nil {
		return AgentConfig{}, fmt.Errorf("config: %s missing required 'mcpServers' key", path)
	}

	return AgentConfig{MCPServers: raw.MCPServers}, nil
}
