package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// RegisterHTTP installs the http.request handler into reg. Input: method,
// url, optional headers, query, body. Output: {status, headers, body},
// with body parsed as JSON when the response Content-Type says JSON and
// left as a plain string otherwise.
func RegisterHTTP(reg *Registry, client *http.Client) {
	if client == nil {
		client = http.DefaultClient
	}
	reg.Register("http.request", func(ctx context.Context, stateName string, input map[string]any) (map[string]any, error) {
		method, _ := input["method"].(string)
		if method == "" {
			method = http.MethodGet
		}
		url, _ := input["url"].(string)
		if url == "" {
			return nil, fmt.Errorf("http.request: missing url")
		}

		if query, ok := input["query"].(map[string]any); ok && len(query) > 0 {
			sep := "?"
			if strings.Contains(url, "?") {
				sep = "&"
			}
			var parts []string
			for k, v := range query {
				parts = append(parts, fmt.Sprintf("%s=%v", k, v))
			}
			url += sep + strings.Join(parts, "&")
		}

		var bodyReader io.Reader
		if body, ok := input["body"]; ok && body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("http.request: encoding body: %w", err)
			}
			bodyReader = bytes.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("http.request: building request: %w", err)
		}
		if bodyReader != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if headers, ok := input["headers"].(map[string]any); ok {
			for k, v := range headers {
				req.Header.Set(k, fmt.Sprintf("%v", v))
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http.request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("http.request: reading response: %w", err)
		}

		var parsedBody any = string(respBody)
		if strings.Contains(resp.Header.Get("Content-Type"), "json") {
			var decoded any
			if err := json.Unmarshal(respBody, &decoded); err == nil {
				parsedBody = decoded
			}
		}

		headers := make(map[string]any, len(resp.Header))
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}

		return map[string]any{
			"status":  resp.StatusCode,
			"headers": headers,
			"body":    parsedBody,
		}, nil
	})
}
