package handlers

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/openact/secrets"
)

// RegisterSecrets installs secrets.resolve and secrets.resolve_many, which
// look up vault://<path>[#<json-pointer>] URIs through resolver.
func RegisterSecrets(reg *Registry, resolver *secrets.Resolver) {
	reg.Register("secrets.resolve", func(ctx context.Context, stateName string, input map[string]any) (map[string]any, error) {
		uri, _ := input["uri"].(string)
		if uri == "" {
			return nil, fmt.Errorf("secrets.resolve: uri is required")
		}
		value, err := resolver.Resolve(ctx, uri)
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": value}, nil
	})

	reg.Register("secrets.resolve_many", func(ctx context.Context, stateName string, input map[string]any) (map[string]any, error) {
		raw, ok := input["uris"].([]any)
		if !ok || len(raw) == 0 {
			return nil, fmt.Errorf("secrets.resolve_many: uris is required")
		}
		values := make(map[string]any, len(raw))
		for _, u := range raw {
			uri, ok := u.(string)
			if !ok || uri == "" {
				return nil, fmt.Errorf("secrets.resolve_many: uris must be a list of strings")
			}
			value, err := resolver.Resolve(ctx, uri)
			if err != nil {
				return nil, err
			}
			values[uri] = value
		}
		return map[string]any{"values": values}, nil
	})
}
