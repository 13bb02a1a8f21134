package proxy

import (
	"encoding/json"
	"fmt"
)

// mergeDefaults overlays a model's request_defaults under the client
// body. Fields present in the client body always win; unknown client
// fields pass through to the upstream untouched.
func mergeDefaults(defaults, body json.RawMessage) ([]byte, error) {
	if len(defaults) == 0 {
		return body, nil
	}
	var base, overlay map[string]json.RawMessage
	if err := json.Unmarshal(defaults, &base); err != nil {
		return nil, fmt.Errorf("request_defaults: %w", err)
	}
	if err := json.Unmarshal(body, &overlay); err != nil {
		return nil, fmt.Errorf("request body: %w", err)
	}
	for k, v := range overlay {
		base[k] = v
	}
	return json.Marshal(base)
}
