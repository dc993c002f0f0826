package rules

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML rule matrix used to bootstrap an environment:
//
//	rules:
//	  - feature: Leads
//	    module: Sales
//	    available_actions: [Read, Write, Delete]
//	    grants:
//	      manager: [Read, Write, Delete]
//	      sales rep: [Read, Write]
type SeedFile struct {
	Rules []CreateRuleRequest `yaml:"rules"`
}

// LoadSeed decodes a seed document. Unknown keys are rejected.
func LoadSeed(r io.Reader) ([]CreateRuleRequest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var file SeedFile
	if err := dec.Decode(&file); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: empty seed document", ErrValidation)
		}
		return nil, fmt.Errorf("%w: decode seed: %v", ErrValidation, err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("%w: seed lists no rules", ErrValidation)
	}
	return file.Rules, nil
}
