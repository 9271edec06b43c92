package registry

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML layout of a provider seed file.
type SeedFile struct {
	Providers []Provider `yaml:"providers"`
}

// LoadSeed reads providers from a YAML file.
func LoadSeed(path string) ([]Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes a YAML seed document.
func ParseSeed(data []byte) ([]Provider, error) {
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return seed.Providers, nil
}

// Seed upserts every provider into reg.
func Seed(ctx context.Context, reg Registry, providers []Provider) error {
	for _, p := range providers {
		if err := reg.Upsert(ctx, p); err != nil {
			return fmt.Errorf("failed to seed provider %s: %w", p.ID, err)
		}
	}
	return nil
}
