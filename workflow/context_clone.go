package workflow

import "encoding/json"

// cloneContext deep-copies c through a JSON round trip.
func cloneContext(c *Context) (*Context, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var out Context
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
