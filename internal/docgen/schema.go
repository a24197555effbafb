// Package docgen generates JSON Schema documentation from the config
// structs loaded by internal/config, using github.com/invopop/jsonschema
// reflection with AddGoComments so Go doc comments become schema
// descriptions.
package docgen

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"github.com/A-TJ/ax-agent-studio/internal/config"
)

// ModuleRoot finds the repo root by walking up from the current directory
// looking for go.mod.
func ModuleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent of %s", dir)
		}
		dir = parent
	}
}

// newReflector builds a jsonschema.Reflector with Go doc comments loaded as
// descriptions. AddGoComments requires the working directory to be the
// module root.
func newReflector(fieldNameTag string) (*jsonschema.Reflector, error) {
	root, err := ModuleRoot()
	if err != nil {
		return nil, err
	}

	orig, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}
	if err := os.Chdir(root); err != nil {
		return nil, fmt.Errorf("chdir to module root: %w", err)
	}
	defer func() { _ = os.Chdir(orig) }()

	r := &jsonschema.Reflector{FieldNameTag: fieldNameTag}
	if err := r.AddGoComments("github.com/A-TJ/ax-agent-studio", "."); err != nil {
		return nil, fmt.Errorf("extracting Go comments: %w", err)
	}
	return r, nil
}

// GenerateAgentConfigSchema produces a JSON Schema for an agent's
// mcpServers JSON config file.
func GenerateAgentConfigSchema() (*jsonschema.Schema, error) {
	r, err := newReflector("json")
	if err != nil {
		return nil, err
	}
	s := r.Reflect(&config.AgentConfig{})
	s.Title = "Agent MCP Config"
	s.Description = "Schema for an agent's mcpServers JSON config file."
	return s, nil
}

// GenerateDeploymentGroupSchema produces a JSON Schema for a resolved
// deployment group, i.e. the shape DeploymentLoader.Group returns after
// joining delegation/collaboration/mcp_server/execution_preset references.
func GenerateDeploymentGroupSchema() (*jsonschema.Schema, error) {
	r, err := newReflector("")
	if err != nil {
		return nil, err
	}
	s := r.Reflect(&config.DeploymentGroup{})
	s.Title = "Deployment Group"
	s.Description = "Schema for a resolved entry of configs/deployment_groups.yaml."
	return s, nil
}
