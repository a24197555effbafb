// Command genschema generates JSON Schema documents for the studio's
// on-disk config formats. Run from the repository root:
//
//	go run ./cmd/genschema
//
// Output:
//
//	docs/schema/agent-config-schema.json
//	docs/schema/deployment-group-schema.json
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"github.com/A-TJ/ax-agent-studio/internal/docgen"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "genschema: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if _, err := os.Stat("go.mod"); err != nil {
		return fmt.Errorf("must run from repository root (go.mod not found)")
	}

	if err := os.MkdirAll("docs/schema", 0o755); err != nil {
		return fmt.Errorf("creating docs/schema: %w", err)
	}

	agentSchema, err := docgen.GenerateAgentConfigSchema()
	if err != nil {
		return fmt.Errorf("generating agent config schema: %w", err)
	}
	groupSchema, err := docgen.GenerateDeploymentGroupSchema()
	if err != nil {
		return fmt.Errorf("generating deployment group schema: %w", err)
	}

	if err := writeSchema("docs/schema/agent-config-schema.json", agentSchema); err != nil {
		return err
	}
	if err := writeSchema("docs/schema/deployment-group-schema.json", groupSchema); err != nil {
		return err
	}

	fmt.Println("Generated:")
	fmt.Println("  docs/schema/agent-config-schema.json")
	fmt.Println("  docs/schema/deployment-group-schema.json")
	return nil
}

// writeSchema writes a JSON Schema to path using an atomic temp+rename
// write.
func writeSchema(path string, s *jsonschema.Schema) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".genschema-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}
