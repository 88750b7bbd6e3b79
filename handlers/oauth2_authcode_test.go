package handlers

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/GoCodeAlone/openact/openactmodel"
)

func TestOAuth2AuthorizeRedirectPKCE(t *testing.T) {
	reg := NewRegistry()
	RegisterOAuth2AuthorizeRedirect(reg)

	out, err := reg.Dispatch(context.Background(), "oauth2.authorize_redirect", "StartAuth", map[string]any{
		"authorizeUrl": "https://provider.example/authorize",
		"clientId":     "id",
		"redirectUri":  "https://app.example/callback",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	verifier, _ := out["code_verifier"].(string)
	if len(verifier) != 43 {
		t.Errorf("code_verifier length = %d, want 43", len(verifier))
	}
	url, _ := out["authorize_url"].(string)
	if !strings.Contains(url, "code_challenge_method=S256") {
		t.Errorf("authorize_url missing code_challenge_method: %s", url)
	}
	state, _ := out["state"].(string)
	if len(state) != 24 {
		t.Errorf("state length = %d, want 24", len(state))
	}
}

func TestOAuth2AwaitCallbackPausesWithoutCode(t *testing.T) {
	reg := NewRegistry()
	RegisterOAuth2AwaitCallback(reg)

	_, err := reg.Dispatch(context.Background(), "oauth2.await_callback", "Await", map[string]any{
		"input": map[string]any{},
	})
	if !errors.Is(err, openactmodel.ErrPauseForCallback) {
		t.Fatalf("err = %v, want ErrPauseForCallback", err)
	}
}

func TestOAuth2AwaitCallbackSucceedsWithCode(t *testing.T) {
	reg := NewRegistry()
	RegisterOAuth2AwaitCallback(reg)

	out, err := reg.Dispatch(context.Background(), "oauth2.await_callback", "Await", map[string]any{
		"input": map[string]any{
			"code":  "thecode",
			"state": "right",
		},
		"expected_state": "right",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out["code"] != "thecode" {
		t.Errorf("code = %v", out["code"])
	}
}

func TestOAuth2AwaitCallbackStateMismatch(t *testing.T) {
	reg := NewRegistry()
	RegisterOAuth2AwaitCallback(reg)

	_, err := reg.Dispatch(context.Background(), "oauth2.await_callback", "Await", map[string]any{
		"input": map[string]any{
			"code":  "thecode",
			"state": "wrong",
		},
		"expected_state": "right",
	})
	if err == nil {
		t.Fatal("expected state mismatch error")
	}
	if got := err.Error(); !strings.Contains(got, "state mismatch: returned=wrong, expected=right") {
		t.Errorf("error = %q", got)
	}
}

func TestOAuth2AwaitCallbackPKCEPassthrough(t *testing.T) {
	reg := NewRegistry()
	RegisterOAuth2AwaitCallback(reg)

	out, err := reg.Dispatch(context.Background(), "oauth2.await_callback", "Await", map[string]any{
		"input": map[string]any{
			"code": "thecode",
		},
		"expected_pkce": map[string]any{
			"code_verifier": "verifier-value",
		},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out["code_verifier"] != "verifier-value" {
		t.Errorf("code_verifier = %v", out["code_verifier"])
	}
}
