package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// RegisterOAuth2Token installs oauth2.client_credentials and
// oauth2.refresh_token. Both authenticate to the token
// endpoint with HTTP Basic per RFC 6749 §2.3.1 rather than form-embedded
// credentials, matching the convention original_source's ensure/refresh
// actions use.
func RegisterOAuth2Token(reg *Registry, client *http.Client) {
	if client == nil {
		client = http.DefaultClient
	}

	reg.Register("oauth2.client_credentials", func(ctx context.Context, stateName string, input map[string]any) (map[string]any, error) {
		tokenURL, _ := input["tokenUrl"].(string)
		clientID, _ := input["clientId"].(string)
		clientSecret, _ := input["clientSecret"].(string)
		if tokenURL == "" || clientID == "" {
			return nil, fmt.Errorf("oauth2.client_credentials: tokenUrl and clientId are required")
		}

		form := url.Values{}
		form.Set("grant_type", "client_credentials")
		if scope := scopeParam(input); scope != "" {
			form.Set("scope", scope)
		}

		return postTokenEndpoint(ctx, client, tokenURL, clientID, clientSecret, form, "oauth2 client_credentials request failed")
	})

	reg.Register("oauth2.refresh_token", func(ctx context.Context, stateName string, input map[string]any) (map[string]any, error) {
		tokenURL, _ := input["tokenUrl"].(string)
		clientID, _ := input["clientId"].(string)
		clientSecret, _ := input["clientSecret"].(string)
		refreshToken, _ := input["refresh_token"].(string)
		if tokenURL == "" || refreshToken == "" {
			return nil, fmt.Errorf("oauth2.refresh_token: tokenUrl and refresh_token are required")
		}

		form := url.Values{}
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", refreshToken)

		return postTokenEndpoint(ctx, client, tokenURL, clientID, clientSecret, form, "oauth2 refresh_token request failed")
	})
}

func scopeParam(input map[string]any) string {
	if scope, ok := input["scope"].(string); ok && scope != "" {
		return scope
	}
	if scopes, ok := input["scopes"].([]any); ok {
		parts := make([]string, 0, len(scopes))
		for _, s := range scopes {
			if str, ok := s.(string); ok {
				parts = append(parts, str)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

func postTokenEndpoint(ctx context.Context, client *http.Client, tokenURL, clientID, clientSecret string, form url.Values, failureLabel string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%s: building request: %w", failureLabel, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if clientID != "" {
		req.SetBasicAuth(clientID, clientSecret)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", failureLabel, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: reading response: %w", failureLabel, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: HTTP %d: %s", failureLabel, resp.StatusCode, string(body))
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%s: decoding response: %w", failureLabel, err)
	}

	if _, ok := parsed["token_type"]; !ok {
		parsed["token_type"] = "Bearer"
	}
	return parsed, nil
}
