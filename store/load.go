package store

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/openact/openactmodel"
)

// LoadConnection unmarshals a single Connection document from r. Accepts
// both YAML and JSON, since JSON is a subset of YAML that yaml.v3 parses
// directly; no bespoke parser.
func LoadConnection(r io.Reader) (*openactmodel.Connection, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("store: read connection document: %w", err)
	}
	var conn openactmodel.Connection
	if err := yaml.Unmarshal(data, &conn); err != nil {
		return nil, fmt.Errorf("store: parse connection document: %w", err)
	}
	return &conn, nil
}

// LoadAction unmarshals a single Action document from r.
func LoadAction(r io.Reader) (*openactmodel.Action, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("store: read action document: %w", err)
	}
	var action openactmodel.Action
	if err := yaml.Unmarshal(data, &action); err != nil {
		return nil, fmt.Errorf("store: parse action document: %w", err)
	}
	return &action, nil
}
