package handlers

import (
	"context"
	"testing"
)

func TestInjectBearer(t *testing.T) {
	reg := NewRegistry()
	RegisterInject(reg)

	out, err := reg.Dispatch(context.Background(), "inject.bearer", "Inject", map[string]any{
		"token": "tok123",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	headers, _ := out["headers"].(map[string]any)
	if headers["Authorization"] != "Bearer tok123" {
		t.Errorf("Authorization = %v", headers["Authorization"])
	}
}

func TestInjectAPIKeyRequiresLocation(t *testing.T) {
	reg := NewRegistry()
	RegisterInject(reg)

	_, err := reg.Dispatch(context.Background(), "inject.api_key", "Inject", map[string]any{
		"key":  "k",
		"name": "X-Api-Key",
	})
	if err == nil {
		t.Fatal("expected error when location is omitted")
	}
}

func TestInjectAPIKeyHeaderAndQuery(t *testing.T) {
	reg := NewRegistry()
	RegisterInject(reg)

	out, err := reg.Dispatch(context.Background(), "inject.api_key", "Inject", map[string]any{
		"key":      "k",
		"name":     "X-Api-Key",
		"location": "header",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	headers, _ := out["headers"].(map[string]any)
	if headers["X-Api-Key"] != "k" {
		t.Errorf("header X-Api-Key = %v", headers["X-Api-Key"])
	}

	out, err = reg.Dispatch(context.Background(), "inject.api_key", "Inject", map[string]any{
		"key":      "k",
		"name":     "api_key",
		"location": "query",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	query, _ := out["query"].(map[string]any)
	if query["api_key"] != "k" {
		t.Errorf("query api_key = %v", query["api_key"])
	}
}
