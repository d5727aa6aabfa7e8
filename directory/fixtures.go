package directory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/docflow/types"
)

// Fixtures is the on-disk form of a directory and its documents.
type Fixtures struct {
	Users     []User                                  `yaml:"users"`
	Documents map[string]map[string]types.TypedValue `yaml:"documents"`
}

// LoadFixtures reads a YAML fixtures file into a directory and document store.
func LoadFixtures(path string) (*StaticDirectory, *MemoryDocuments, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("directory: read fixtures: %w", err)
	}
	return ParseFixtures(data)
}

// ParseFixtures decodes YAML fixtures.
func ParseFixtures(data []byte) (*StaticDirectory, *MemoryDocuments, error) {
	var fx Fixtures
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, nil, fmt.Errorf("directory: decode fixtures: %w", err)
	}
	dir := NewStaticDirectory(fx.Users...)
	docs := NewMemoryDocuments()
	for id, fields := range fx.Documents {
		docs.Put(id, fields)
	}
	return dir, docs, nil
}
