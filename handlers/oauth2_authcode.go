package handlers

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/GoCodeAlone/openact/openactmodel"
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i, v := range b {
		b[i] = alphanumeric[int(v)%len(alphanumeric)]
	}
	return string(b), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// RegisterOAuth2AuthorizeRedirect installs oauth2.authorize_redirect: it
// builds the authorize URL with a random 24-char state (unless one is
// supplied), and when usePKCE is not explicitly false, generates a
// 43-char code_verifier and its S256 code_challenge and appends them to
// the URL.
func RegisterOAuth2AuthorizeRedirect(reg *Registry) {
	reg.Register("oauth2.authorize_redirect", func(ctx context.Context, stateName string, input map[string]any) (map[string]any, error) {
		authorizeURL, _ := input["authorizeUrl"].(string)
		clientID, _ := input["clientId"].(string)
		redirectURI, _ := input["redirectUri"].(string)
		if authorizeURL == "" || clientID == "" || redirectURI == "" {
			return nil, fmt.Errorf("oauth2.authorize_redirect: authorizeUrl, clientId, and redirectUri are required")
		}
		scope, _ := input["scope"].(string)
		usePKCE := true
		if v, ok := input["usePKCE"].(bool); ok {
			usePKCE = v
		}
		state, _ := input["state"].(string)
		if state == "" {
			s, err := randString(24)
			if err != nil {
				return nil, fmt.Errorf("oauth2.authorize_redirect: generating state: %w", err)
			}
			state = s
		}

		built := fmt.Sprintf("%s?response_type=code&client_id=%s&redirect_uri=%s",
			authorizeURL, url.QueryEscape(clientID), url.QueryEscape(redirectURI))
		if scope != "" {
			built += "&scope=" + url.QueryEscape(scope)
		}
		built += "&state=" + url.QueryEscape(state)

		out := map[string]any{"authorize_url": built, "state": state}

		if usePKCE {
			verifier, err := randString(43)
			if err != nil {
				return nil, fmt.Errorf("oauth2.authorize_redirect: generating code_verifier: %w", err)
			}
			challenge := pkceChallenge(verifier)
			out["authorize_url"] = built + "&code_challenge_method=S256&code_challenge=" + url.QueryEscape(challenge)
			out["code_verifier"] = verifier
			out["code_challenge"] = challenge
		}

		return out, nil
	})
}

// RegisterOAuth2AwaitCallback installs oauth2.await_callback, grounded on authorize.rs's OAuth2AwaitCallbackHandler. This
// deliberately reproduces its recursive, slightly odd-looking tolerance for
// where "code"/"state" end up in the context (ctx.input, ctx.context, or
// the result of a state literally named "StartAuth") rather than a single
// canonical location, since resuming a real run can hand the callback data
// back shaped either way depending on how the caller merged it.
func RegisterOAuth2AwaitCallback(reg *Registry) {
	reg.Register("oauth2.await_callback", func(ctx context.Context, stateName string, input map[string]any) (map[string]any, error) {
		code := findRecursive(input, "code")
		if code == "" {
			return nil, openactmodel.ErrPauseForCallback
		}

		returned := findStateRecursive(input)
		expected := findExpectedState(input)
		if returned != "" && expected != "" && returned != expected {
			return nil, fmt.Errorf("oauth2.await_callback: state mismatch: returned=%s, expected=%s", returned, expected)
		}

		out := map[string]any{"code": code}
		if expectedPKCE, ok := input["expected_pkce"].(map[string]any); ok {
			if verifier, ok := expectedPKCE["code_verifier"].(string); ok {
				out["code_verifier"] = verifier
			}
		}
		return out, nil
	})
}

// findRecursive looks for key directly on m, then under m["input"] and
// m["context"], recursively.
func findRecursive(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	if nested, ok := m["input"].(map[string]any); ok {
		if v := findRecursive(nested, key); v != "" {
			return v
		}
	}
	if nested, ok := m["context"].(map[string]any); ok {
		if v := findRecursive(nested, key); v != "" {
			return v
		}
	}
	return ""
}

func findStateRecursive(m map[string]any) string {
	if v, ok := m["state"].(string); ok {
		return v
	}
	if v, ok := m["returned_state"].(string); ok {
		return v
	}
	if nested, ok := m["input"].(map[string]any); ok {
		if v := findStateRecursive(nested); v != "" {
			return v
		}
	}
	if nested, ok := m["context"].(map[string]any); ok {
		if v := findStateRecursive(nested); v != "" {
			return v
		}
	}
	return ""
}

func findExpectedState(m map[string]any) string {
	if v, ok := m["expected_state"].(string); ok {
		return v
	}
	return findStartAuthState(m)
}

// findStartAuthState looks for states.StartAuth.result.state, then
// recurses into every value of m in case the run context nests that
// states map somewhere other than the top level.
func findStartAuthState(m map[string]any) string {
	if states, ok := m["states"].(map[string]any); ok {
		if startAuth, ok := states["StartAuth"].(map[string]any); ok {
			if result, ok := startAuth["result"].(map[string]any); ok {
				if state, ok := result["state"].(string); ok {
					return state
				}
			}
		}
	}
	for _, v := range m {
		if nested, ok := v.(map[string]any); ok {
			if state := findStartAuthState(nested); state != "" {
				return state
			}
		}
	}
	return ""
}
