// Package merge implements the parameter merger: the pure function that
// combines a Connection's defaults with an Action's template under the
// connection-wins policy.
package merge

import (
	"encoding/json"
	"maps"
	"strings"

	"github.com/GoCodeAlone/openact/openactmodel"
)

// canonicalHeaders is a case-insensitive header map that remembers the
// casing of the most recently written key for each name: header names are
// case-insensitive on lookup but the merged output preserves one casing.
type canonicalHeaders struct {
	canon map[string]string // lower -> canonical key as last written
	vals  map[string]string // lower -> value
}

func newCanonicalHeaders() *canonicalHeaders {
	return &canonicalHeaders{canon: map[string]string{}, vals: map[string]string{}}
}

func (h *canonicalHeaders) set(key, val string) {
	lower := strings.ToLower(key)
	h.canon[lower] = key
	h.vals[lower] = val
}

func (h *canonicalHeaders) get(key string) (string, bool) {
	lower := strings.ToLower(key)
	v, ok := h.vals[lower]
	return v, ok
}

func (h *canonicalHeaders) delete(key string) {
	lower := strings.ToLower(key)
	delete(h.canon, lower)
	delete(h.vals, lower)
}

func (h *canonicalHeaders) toMap() map[string]string {
	out := make(map[string]string, len(h.vals))
	for lower, v := range h.vals {
		out[h.canon[lower]] = v
	}
	return out
}

// Merge combines connection and action into a MergedRequest under the
// connection-wins policy: the connection's defaults overwrite same-named
// headers/query params, and its body object wins on shared keys.
func Merge(conn *openactmodel.Connection, action *openactmodel.Action) (*openactmodel.MergedRequest, error) {
	headers := newCanonicalHeaders()
	for k, v := range action.Headers {
		headers.set(k, v)
	}

	query := make(map[string]string, len(action.QueryParams))
	maps.Copy(query, action.QueryParams)

	var body any
	if action.RequestBody != nil {
		body = action.RequestBody
	}

	// Step 2/3: connection-wins overwrite of same-named header/query.
	for k, v := range conn.InvocationHTTPParameters.Headers {
		headers.set(k, v)
	}
	for k, v := range conn.InvocationHTTPParameters.QueryParams {
		query[k] = v
	}

	// Step 4: body merge. Connection body parameters win on shared keys when
	// the action body is itself a JSON object; otherwise the connection's
	// object wholly replaces the action's value.
	if conn.InvocationHTTPParameters.Body != nil {
		if bodyObj, ok := body.(map[string]any); ok {
			merged := make(map[string]any, len(bodyObj)+len(conn.InvocationHTTPParameters.Body))
			maps.Copy(merged, bodyObj)
			maps.Copy(merged, conn.InvocationHTTPParameters.Body)
			body = merged
		} else {
			body = conn.InvocationHTTPParameters.Body
		}
	}

	policy := effectivePolicy(action.HTTPPolicy, conn.HTTPPolicy)

	// Step 5a: remove denied headers.
	for _, name := range policy.DeniedHeaders {
		headers.delete(name)
	}

	// Step 5b: reserved headers — if the action originally supplied a value,
	// it wins over whatever the connection just installed.
	for _, name := range policy.ReservedHeaders {
		if v, ok := lookupCaseInsensitive(action.Headers, name); ok {
			headers.set(name, v)
		}
	}

	// Step 5c: multi-value-append headers are normalized to a single
	// comma-joined value. Since our header map stores one value per key,
	// this applies when the action and connection both set the header —
	// the connection-wins value from step 2 is joined with the action's
	// original value if they differ.
	for _, name := range policy.MultiValueAppendHeaders {
		actionVal, hasAction := lookupCaseInsensitive(action.Headers, name)
		connVal, hasConn := lookupCaseInsensitive(conn.InvocationHTTPParameters.Headers, name)
		if hasAction && hasConn && actionVal != connVal {
			headers.set(name, strings.Join([]string{connVal, actionVal}, ", "))
		}
	}

	return &openactmodel.MergedRequest{
		Method:      action.Method,
		URL:         action.APIEndpoint,
		Headers:     headers.toMap(),
		QueryParams: query,
		Body:        body,
	}, nil
}

func lookupCaseInsensitive(m map[string]string, key string) (string, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	lower := strings.ToLower(key)
	for k, v := range m {
		if strings.ToLower(k) == lower {
			return v, true
		}
	}
	return "", false
}

// effectivePolicy resolves the HttpPolicy to use: action > connection >
// defaults that deny only Host.
func effectivePolicy(actionPolicy, connPolicy *openactmodel.HttpPolicy) openactmodel.HttpPolicy {
	if actionPolicy != nil {
		return *actionPolicy
	}
	if connPolicy != nil {
		return *connPolicy
	}
	return openactmodel.DefaultHTTPPolicy()
}

// CloneBody deep-copies a body value through a JSON round-trip, used by
// callers that need an isolated copy before mutating a MergedRequest body.
func CloneBody(body any) (any, error) {
	if body == nil {
		return nil, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
