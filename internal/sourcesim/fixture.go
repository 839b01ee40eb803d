package sourcesim

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FixtureDocument is one document published by the simulated source.
type FixtureDocument struct {
	ID        string         `yaml:"id"`
	Run       *int64         `yaml:"run"`
	Type      string         `yaml:"type"`
	Hostname  string         `yaml:"hostname"`
	Tag       string         `yaml:"tag"`
	Timestamp float64        `yaml:"timestamp"`
	Body      map[string]any `yaml:"body"`
}

// Fixture is a set of documents loaded at startup.
type Fixture struct {
	Documents []FixtureDocument `yaml:"documents"`
}

// ParseFixture decodes a YAML fixture.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	for i, d := range f.Documents {
		if d.ID == "" {
			return nil, fmt.Errorf("fixture document %d has no id", i)
		}
	}
	return &f, nil
}

// LoadFixture reads a YAML fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture %s: %w", path, err)
	}
	return ParseFixture(data)
}
