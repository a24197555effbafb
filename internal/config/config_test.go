package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadAgentConfigRequiresMCPServers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.json")
	writeFile(t, path, `{"foo": "bar"}`)

	_, err := LoadAgentConfig(path)
	assert.Error(t, err)
}

func TestLoadAgentConfigParsesServers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.json")
	writeFile(t, path, `{"mcpServers": {"ax-gcp": {"command": "npx", "args": ["mcp-remote", "https://x"]}}}`)

	cfg, err := LoadAgentConfig(path)
	require.NoError(t, err)
	require.Contains(t, cfg.MCPServers, "ax-gcp")
	assert.Equal(t, "npx", cfg.MCPServers["ax-gcp"].Command)
}

func TestDeploymentLoaderMissingAgentsListIsGroupError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "configs", "deployment_groups.yaml"), `
deployment_groups:
  bad_group:
    name: Bad
`)
	writeFile(t, filepath.Join(dir, "configs", "agents", "bob.json"), `{}`)

	loader, err := NewDeploymentLoader(dir, zap.NewNop())
	require.NoError(t, err)

	_, ok := loader.Group("bad_group")
	assert.False(t, ok)
}

func TestDeploymentLoaderSkipsUnknownAgentsAndDropsEmptyGroup(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "configs", "deployment_groups.yaml"), `
deployment_groups:
  empty_group:
    agents:
      - unknown_agent
  real_group:
    agents:
      - bob
      - unknown_agent
`)
	writeFile(t, filepath.Join(dir, "configs", "agents", "bob.json"), `{}`)

	loader, err := NewDeploymentLoader(dir, zap.NewNop())
	require.NoError(t, err)

	_, ok := loader.Group("empty_group")
	assert.False(t, ok, "group with zero valid agents should be dropped silently")

	group, ok := loader.Group("real_group")
	require.True(t, ok)
	require.Len(t, group.Agents, 1)
	assert.Equal(t, "bob", group.Agents[0].ID)
}

func TestDeploymentLoaderJoinsPatternReferences(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "configs", "deployment_groups.yaml"), `
deployment_groups:
  grp:
    delegation_pattern: hub_and_spoke
    mcp_servers:
      - core
    agents:
      - bob
`)
	writeFile(t, filepath.Join(dir, "configs", "agents", "bob.json"), `{}`)
	writeFile(t, filepath.Join(dir, "configs", "delegation_patterns.yaml"), `
delegation_patterns:
  hub_and_spoke:
    description: "hub routes to spokes"
`)
	writeFile(t, filepath.Join(dir, "configs", "mcp_servers.yaml"), `
mcp_servers:
  core:
    command: npx
`)

	loader, err := NewDeploymentLoader(dir, zap.NewNop())
	require.NoError(t, err)

	group, ok := loader.Group("grp")
	require.True(t, ok)
	require.NotNil(t, group.DelegationPatternDetail)
	assert.Equal(t, "hub_and_spoke", group.DelegationPatternDetail["id"])
	require.Len(t, group.MCPServerDetails, 1)
	assert.Equal(t, "core", group.MCPServerDetails[0]["id"])
}

func TestDeploymentLoaderMissingReferenceIsWarningNotError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "configs", "deployment_groups.yaml"), `
deployment_groups:
  grp:
    delegation_pattern: does_not_exist
    agents:
      - bob
`)
	writeFile(t, filepath.Join(dir, "configs", "agents", "bob.json"), `{}`)

	loader, err := NewDeploymentLoader(dir, zap.NewNop())
	require.NoError(t, err)

	group, ok := loader.Group("grp")
	require.True(t, ok, "group still loads despite missing pattern reference")
	assert.Nil(t, group.DelegationPatternDetail)
}

func TestDeploymentLoaderNoFileYieldsEmptyGroups(t *testing.T) {
	dir := t.TempDir()
	loader, err := NewDeploymentLoader(dir, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, loader.Groups(""))
}
