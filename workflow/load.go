package workflow

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// LoadWorkflow unmarshals a Definition document from r, matching how
// package store loads Connection and Action documents: gopkg.in/yaml.v3,
// no bespoke parser. Accepts both YAML and JSON.
func LoadWorkflow(r io.Reader) (*Definition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("workflow: read definition document: %w", err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("workflow: parse definition document: %w", err)
	}
	return &def, nil
}
