package handlers

import (
	"context"
	"fmt"
)

// RegisterInject installs inject.bearer and inject.api_key.
//
// inject.api_key's location is required here, with no default — unlike the
// connection-level ApiKey auth injector in package authinject, which infers
// placement from the key name when no location is given. Requiring it on
// this standalone handler avoids silently disagreeing with that other call
// path's default.
func RegisterInject(reg *Registry) {
	reg.Register("inject.bearer", func(ctx context.Context, stateName string, input map[string]any) (map[string]any, error) {
		token, _ := input["token"].(string)
		if token == "" {
			return nil, fmt.Errorf("inject.bearer: token is required")
		}
		return map[string]any{
			"headers": map[string]any{"Authorization": "Bearer " + token},
		}, nil
	})

	reg.Register("inject.api_key", func(ctx context.Context, stateName string, input map[string]any) (map[string]any, error) {
		key, _ := input["key"].(string)
		name, _ := input["name"].(string)
		location, _ := input["location"].(string)
		if key == "" || name == "" {
			return nil, fmt.Errorf("inject.api_key: key and name are required")
		}
		switch location {
		case "header":
			return map[string]any{"headers": map[string]any{name: key}}, nil
		case "query":
			return map[string]any{"query": map[string]any{name: key}}, nil
		case "":
			return nil, fmt.Errorf("inject.api_key: location is required (\"header\" or \"query\")")
		default:
			return nil, fmt.Errorf("inject.api_key: unknown location %q", location)
		}
	})
}
