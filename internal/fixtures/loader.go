package fixtures

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a scenario file from path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fixtures: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals a scenario document already in memory.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("fixtures: parse scenario: %w", err)
	}
	return &s, nil
}
