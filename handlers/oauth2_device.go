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

// RegisterOAuth2DeviceCode installs oauth2.device_code and
// oauth2.device_poll, the Device Authorization Grant (RFC 8628) pair,
// implemented with the same POST-form/parse-JSON shape as
// oauth2.client_credentials in oauth2_token.go.
func RegisterOAuth2DeviceCode(reg *Registry, client *http.Client) {
	if client == nil {
		client = http.DefaultClient
	}

	reg.Register("oauth2.device_code", func(ctx context.Context, stateName string, input map[string]any) (map[string]any, error) {
		deviceURL, _ := input["deviceUrl"].(string)
		clientID, _ := input["clientId"].(string)
		if deviceURL == "" || clientID == "" {
			return nil, fmt.Errorf("oauth2.device_code: deviceUrl and clientId are required")
		}

		form := url.Values{}
		form.Set("client_id", clientID)
		if scope := scopeParam(input); scope != "" {
			form.Set("scope", scope)
		}

		parsed, err := postForm(ctx, client, deviceURL, form, "oauth2 device_code request failed")
		if err != nil {
			return nil, err
		}
		if _, ok := parsed["interval"]; !ok {
			parsed["interval"] = float64(5)
		}
		return parsed, nil
	})

	reg.Register("oauth2.device_poll", func(ctx context.Context, stateName string, input map[string]any) (map[string]any, error) {
		tokenURL, _ := input["tokenUrl"].(string)
		clientID, _ := input["clientId"].(string)
		clientSecret, _ := input["clientSecret"].(string)
		deviceCode, _ := input["device_code"].(string)
		if tokenURL == "" || clientID == "" || deviceCode == "" {
			return nil, fmt.Errorf("oauth2.device_poll: tokenUrl, clientId, and device_code are required")
		}

		form := url.Values{}
		form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")
		form.Set("device_code", deviceCode)
		form.Set("client_id", clientID)

		parsed, err := postTokenEndpointNoBasicAuth(ctx, client, tokenURL, clientID, clientSecret, form, "oauth2 device_poll request failed")
		if err != nil {
			// authorization_pending / slow_down are expected transient
			// states the caller polls through, not hard failures.
			if strings.Contains(err.Error(), "authorization_pending") || strings.Contains(err.Error(), "slow_down") {
				return map[string]any{"pending": true, "error": extractDevicePollError(err.Error())}, nil
			}
			return nil, err
		}
		return parsed, nil
	})
}

func extractDevicePollError(msg string) string {
	if strings.Contains(msg, "slow_down") {
		return "slow_down"
	}
	return "authorization_pending"
}

func postForm(ctx context.Context, client *http.Client, endpoint string, form url.Values, failureLabel string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%s: building request: %w", failureLabel, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

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
	return parsed, nil
}

// postTokenEndpointNoBasicAuth polls the token endpoint with the device
// code grant, which sends client_id in the form body rather than Basic
// auth and treats a non-2xx body as an error even when it carries the
// well-formed "authorization_pending"/"slow_down" poll states — the caller
// decides whether those are fatal.
func postTokenEndpointNoBasicAuth(ctx context.Context, client *http.Client, tokenURL, clientID, clientSecret string, form url.Values, failureLabel string) (map[string]any, error) {
	if clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%s: building request: %w", failureLabel, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

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
