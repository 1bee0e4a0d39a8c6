package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// SeedGroup is one group declared in a seed file.
type SeedGroup struct {
	ID         string   `koanf:"id" validate:"required"`
	Name       string   `koanf:"name"`
	Visibility string   `koanf:"visibility" validate:"omitempty,oneof=public private restricted"`
	CreatedBy  string   `koanf:"created_by"`
	Members    []string `koanf:"members" validate:"min=1,dive,required"`
}

type seedFile struct {
	Groups []SeedGroup `koanf:"groups" validate:"dive"`
}

// LoadSeed reads a YAML seed file of the form
//
//	groups:
//	  - id: general
//	    name: General
//	    members: [alice, bob]
//
// Group ids must be unique within the file.
func LoadSeed(path string) ([]SeedGroup, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load seed %s: %w", path, err)
	}

	var sf seedFile
	if err := k.Unmarshal("", &sf); err != nil {
		return nil, fmt.Errorf("config: unmarshal seed: %w", err)
	}
	if err := validator.New().Struct(sf); err != nil {
		return nil, fmt.Errorf("config: seed: %w", err)
	}

	seen := make(map[string]struct{}, len(sf.Groups))
	for _, g := range sf.Groups {
		if _, dup := seen[g.ID]; dup {
			return nil, fmt.Errorf("config: seed: %w: %s", errDuplicateGroup, g.ID)
		}
		seen[g.ID] = struct{}{}
	}
	return sf.Groups, nil
}

var errDuplicateGroup = errors.New("duplicate group id")
