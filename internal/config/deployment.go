package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DeploymentAgent is one agent entry inside a deployment group.
type DeploymentAgent struct {
	ID            string
	Role          string
	Monitor       string
	Provider      string
	Model         string
	SystemPrompt  string
	StartDelayMS  int
	// ProcessBacklog is deprecated and carried for backward compatibility
	// only — the orchestrator never reads it (see Open Question c).
	ProcessBacklog bool
}

// DeploymentGroup is a fully resolved deployment group: the YAML group
// entry plus every pattern/server/preset reference it named, joined in.
type DeploymentGroup struct {
	ID          string
	Name        string
	Description string
	Defaults    map[string]any
	Agents      []DeploymentAgent
	Tags        []string
	Environment string

	DelegationPattern       string
	CollaborationPattern    string
	ExecutionPreset         string
	MCPServerRefs           []string
	DelegationPatternDetail map[string]any
	CollaborationDetail     map[string]any
	ExecutionPresetDetail   map[string]any
	MCPServerDetails        []map[string]any
}

type rawGroupFile struct {
	DeploymentGroups map[string]rawGroup `yaml:"deployment_groups"`
}

type rawGroup struct {
	Name                 string         `yaml:"name"`
	Description          string         `yaml:"description"`
	Defaults             map[string]any `yaml:"defaults"`
	Tags                 []string       `yaml:"tags"`
	Environment          string         `yaml:"environment"`
	DelegationPattern    string         `yaml:"delegation_pattern"`
	CollaborationPattern string         `yaml:"collaboration_pattern"`
	ExecutionPreset      string         `yaml:"execution_preset"`
	MCPServers           yaml.Node      `yaml:"mcp_servers"`
	Agents               []yaml.Node    `yaml:"agents"`
}

// DeploymentLoader loads deployment_groups.yaml plus its joined reference
// files (delegation_patterns.yaml, collaboration_patterns.yaml,
// mcp_servers.yaml, execution_presets.yaml), all relative to baseDir.
type DeploymentLoader struct {
	baseDir string
	log     *zap.Logger

	delegationPatterns    map[string]map[string]any
	collaborationPatterns map[string]map[string]any
	mcpServers            map[string]map[string]any
	mcpServerGroups       map[string]map[string]any
	executionPresets      map[string]map[string]any

	groups map[string]DeploymentGroup
}

// NewDeploymentLoader builds a loader rooted at baseDir and performs an
// initial Reload.
func NewDeploymentLoader(baseDir string, log *zap.Logger) (*DeploymentLoader, error) {
	l := &DeploymentLoader{baseDir: baseDir, log: log.Named("config")}
	if err := l.Reload(knownAgents(baseDir)); err != nil {
		return nil, err
	}
	return l, nil
}

// knownAgents scans baseDir/configs/agents for *.json files, using the file
// stem as the agent id.
func knownAgents(baseDir string) map[string]bool {
	out := make(map[string]bool)
	entries, err := os.ReadDir(filepath.Join(baseDir, "configs", "agents"))
	if err != nil {
		return out
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out[strings.TrimSuffix(e.Name(), ".json")] = true
	}
	return out
}

// Reload re-reads every configuration file from disk. existingAgents is the
// set of known agent ids used to skip unknown agent references; pass the
// result of knownAgents(baseDir) unless the caller tracks agents itself.
func (l *DeploymentLoader) Reload(existingAgents map[string]bool) error {
	l.loadOrchestrationConfigs()

	path := filepath.Join(l.baseDir, "configs", "deployment_groups.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			l.groups = map[string]DeploymentGroup{}
			return nil
		}
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	var file rawGroupFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		l.log.Warn("error loading deployment groups", zap.Error(err))
		l.groups = map[string]DeploymentGroup{}
		return nil
	}

	groups := make(map[string]DeploymentGroup, len(file.DeploymentGroups))
	for id, raw := range file.DeploymentGroups {
		group, err := l.parseGroup(id, raw, existingAgents)
		if err != nil {
			l.log.Warn("skipping deployment group", zap.String("group", id), zap.Error(err))
			continue
		}
		if group == nil {
			continue // zero valid agents — silently dropped
		}
		groups[id] = *group
	}
	l.groups = groups
	return nil
}

func (l *DeploymentLoader) loadOrchestrationConfigs() {
	l.delegationPatterns = l.loadYAMLSection("configs/delegation_patterns.yaml", "delegation_patterns")
	l.collaborationPatterns = l.loadYAMLSection("configs/collaboration_patterns.yaml", "collaboration_patterns")

	mcpData := l.loadYAMLFile("configs/mcp_servers.yaml")
	l.mcpServers = toMapOfMap(mcpData["mcp_servers"])
	l.mcpServerGroups = toMapOfMap(mcpData["server_groups"])

	l.executionPresets = l.loadYAMLSection("configs/execution_presets.yaml", "execution_presets")
}

func (l *DeploymentLoader) loadYAMLFile(relPath string) map[string]any {
	path := filepath.Join(l.baseDir, relPath)
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]any{}
	}

	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		l.log.Warn("failed to load yaml file", zap.String("path", relPath), zap.Error(err))
		return map[string]any{}
	}
	if out == nil {
		return map[string]any{}
	}
	return out
}

func (l *DeploymentLoader) loadYAMLSection(relPath, sectionKey string) map[string]map[string]any {
	data := l.loadYAMLFile(relPath)
	return toMapOfMap(data[sectionKey])
}

func toMapOfMap(v any) map[string]map[string]any {
	out := map[string]map[string]any{}
	asMap, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for k, entry := range asMap {
		if inner, ok := entry.(map[string]any); ok {
			out[k] = inner
		}
	}
	return out
}

func (l *DeploymentLoader) parseGroup(groupID string, raw rawGroup, existingAgents map[string]bool) (*DeploymentGroup, error) {
	name := raw.Name
	if name == "" {
		name = strings.Title(strings.ReplaceAll(groupID, "_", " ")) //nolint:staticcheck
	}
	environment := raw.Environment
	if environment == "" {
		environment = "any"
	}

	mcpRefs := normalizeStringList(decodeNode(raw.MCPServers))

	if len(raw.Agents) == 0 {
		return nil, fmt.Errorf("group must define an 'agents' list")
	}

	var agents []DeploymentAgent
	var skipped []string
	for _, node := range raw.Agents {
		agent, agentID, ok := decodeAgentEntry(node)
		if !ok {
			l.log.Warn("skipping invalid agent entry", zap.String("group", groupID))
			continue
		}
		if !existingAgents[agentID] {
			skipped = append(skipped, agentID)
			l.log.Warn("agent not found, skipping", zap.String("group", groupID), zap.String("agent", agentID))
			continue
		}
		agent.ID = agentID
		agents = append(agents, agent)
	}

	if len(agents) == 0 {
		l.log.Info("deployment group has no valid agents", zap.String("group", groupID))
		return nil, nil
	}

	return &DeploymentGroup{
		ID:                      groupID,
		Name:                    name,
		Description:             raw.Description,
		Defaults:                raw.Defaults,
		Agents:                  agents,
		Tags:                    raw.Tags,
		Environment:             environment,
		DelegationPattern:       raw.DelegationPattern,
		CollaborationPattern:    raw.CollaborationPattern,
		ExecutionPreset:         raw.ExecutionPreset,
		MCPServerRefs:           mcpRefs,
		DelegationPatternDetail: l.getMappingEntry(l.delegationPatterns, raw.DelegationPattern, "delegation pattern"),
		CollaborationDetail:     l.getMappingEntry(l.collaborationPatterns, raw.CollaborationPattern, "collaboration pattern"),
		ExecutionPresetDetail:   l.getMappingEntry(l.executionPresets, raw.ExecutionPreset, "execution preset"),
		MCPServerDetails:        l.resolveMCPServers(mcpRefs),
	}, nil
}

func (l *DeploymentLoader) getMappingEntry(mapping map[string]map[string]any, key, label string) map[string]any {
	if key == "" {
		return nil
	}
	entry, ok := mapping[key]
	if !ok {
		l.log.Warn(label+" not found in configuration", zap.String("id", key))
		return nil
	}
	out := make(map[string]any, len(entry)+1)
	for k, v := range entry {
		out[k] = v
	}
	out["id"] = key
	return out
}

func (l *DeploymentLoader) resolveMCPServers(refs []string) []map[string]any {
	var out []map[string]any
	for _, ref := range refs {
		entry, ok := l.mcpServerGroups[ref]
		if !ok {
			entry, ok = l.mcpServers[ref]
		}
		if !ok {
			l.log.Warn("mcp server group not found", zap.String("ref", ref))
			continue
		}
		cp := make(map[string]any, len(entry)+1)
		for k, v := range entry {
			cp[k] = v
		}
		cp["id"] = ref
		out = append(out, cp)
	}
	return out
}

// Groups returns every successfully parsed group, optionally filtered by
// environment ("any" groups always match).
func (l *DeploymentLoader) Groups(environment string) []DeploymentGroup {
	out := make([]DeploymentGroup, 0, len(l.groups))
	for _, g := range l.groups {
		if environment != "" && environment != "any" && g.Environment != "any" && g.Environment != environment {
			continue
		}
		out = append(out, g)
	}
	return out
}

// Group returns a single group by id.
func (l *DeploymentLoader) Group(id string) (DeploymentGroup, bool) {
	g, ok := l.groups[id]
	return g, ok
}

func decodeNode(node yaml.Node) any {
	if node.IsZero() {
		return nil
	}
	var out any
	_ = node.Decode(&out)
	return out
}

func normalizeStringList(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return nil
		}
		return []string{s}
	case []any:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok {
				s = strings.TrimSpace(s)
				if s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	default:
		return nil
	}
}

func decodeAgentEntry(node yaml.Node) (DeploymentAgent, string, bool) {
	var asString string
	if err := node.Decode(&asString); err == nil && asString != "" {
		return DeploymentAgent{}, asString, true
	}

	var asMap map[string]any
	if err := node.Decode(&asMap); err != nil {
		return DeploymentAgent{}, "", false
	}
	id, ok := asMap["id"].(string)
	if !ok || id == "" {
		return DeploymentAgent{}, "", false
	}

	agent := DeploymentAgent{}
	if v, ok := asMap["role"].(string); ok {
		agent.Role = v
	}
	if v, ok := asMap["monitor"].(string); ok {
		agent.Monitor = v
	}
	if v, ok := asMap["provider"].(string); ok {
		agent.Provider = v
	}
	if v, ok := asMap["model"].(string); ok {
		agent.Model = v
	}
	if v, ok := asMap["system_prompt"].(string); ok {
		agent.SystemPrompt = v
	}
	if v, ok := asMap["start_delay_ms"].(int); ok {
		agent.StartDelayMS = v
	}
	if v, ok := asMap["process_backlog"].(bool); ok {
		agent.ProcessBacklog = v
	}
	return agent, id, true
}
