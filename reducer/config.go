package reducer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Merge strategy names accepted in bindings config.
const (
	StrategyLastWriteWins  = "last_write_wins"
	StrategyFirstWriteWins = "first_write_wins"
)

// BindingsConfig is the YAML shape for reducer bindings:
//
//	entity_types:
//	  person:
//	    - version: 1
//	      strategy: last_write_wins
//	      fields: [name, born, email]
//	    - version: 2
//	      strategy: last_write_wins
//	      fields: [name, born, email, nationality]
type BindingsConfig struct {
	EntityTypes map[string][]VersionConfig `yaml:"entity_types"`
}

// VersionConfig declares one reducer version of an entity type.
type VersionConfig struct {
	Version  int      `yaml:"version"`
	Strategy string   `yaml:"strategy"`
	Fields   []string `yaml:"fields"`
}

// LoadBindingsFile reads a YAML bindings file and builds the registry.
func LoadBindingsFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBindings(data)
}

// ParseBindings builds a registry from YAML bindings data.
func ParseBindings(data []byte) (*Registry, error) {
	var cfg BindingsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("reducer: parse bindings: %w", err)
	}
	return FromConfig(&cfg)
}

// FromConfig builds a registry from a parsed BindingsConfig.
func FromConfig(cfg *BindingsConfig) (*Registry, error) {
	var bindings []Binding
	for entityType, versions := range cfg.EntityTypes {
		for _, vc := range versions {
			declared := make(map[string]bool, len(vc.Fields))
			for _, f := range vc.Fields {
				declared[f] = true
			}

			var fn Func
			switch vc.Strategy {
			case StrategyLastWriteWins, "":
				fn = LastWriteWins(declared)
			case StrategyFirstWriteWins:
				fn = FirstWriteWins(declared)
			default:
				return nil, fmt.Errorf("reducer: unknown strategy %q for %s v%d", vc.Strategy, entityType, vc.Version)
			}

			bindings = append(bindings, Binding{
				EntityType: entityType,
				Version:    vc.Version,
				Strategy:   vc.Strategy,
				Fields:     declared,
				Reduce:     fn,
			})
		}
	}
	return NewRegistry(bindings...)
}
