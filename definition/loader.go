package definition

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/docflow/types"
)

type definitionFile struct {
	Definitions []types.WorkflowDefinition `yaml:"definitions"`
}

// ParseYAML decodes one or more definitions from YAML. The payload is either a
// single definition or a document with a top-level "definitions" list.
// Defaults are applied; validation is left to activation.
func ParseYAML(data []byte) ([]types.WorkflowDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrDefinitionRequired
	}
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("definition: decode: %w", err)
	}
	if len(file.Definitions) == 0 {
		var single types.WorkflowDefinition
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("definition: decode: %w", err)
		}
		file.Definitions = []types.WorkflowDefinition{single}
	}
	out := make([]types.WorkflowDefinition, len(file.Definitions))
	for i, def := range file.Definitions {
		out[i] = ApplyDefaults(def)
	}
	return out, nil
}

// LoadFile reads definitions from a YAML file.
func LoadFile(path string) ([]types.WorkflowDefinition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("definition: read %s: %w", path, err)
	}
	defs, err := ParseYAML(content)
	if err != nil {
		return nil, fmt.Errorf("definition: %s: %w", path, err)
	}
	return defs, nil
}
