package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// asJSON returns the config file bytes ready for the strict JSON decoder.
// A .yaml/.yml file is unmarshalled and re-marshalled as JSON first, so one
// decoder with DisallowUnknownFields covers both formats and a typo'd key is
// rejected the same way regardless of which format the operator picked.
func asJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	j, err := json.Marshal(stringifyKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return j, nil
}

// stringifyKeys rewrites map[any]any keys to strings; json.Marshal refuses
// non-string keys, and YAML decoders produce them.
func stringifyKeys(in any) any {
	switch v := in.(type) {
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[fmt.Sprint(k)] = stringifyKeys(val)
		}
		return out
	case map[string]any:
		for k, val := range v {
			v[k] = stringifyKeys(val)
		}
		return v
	case []any:
		for i := range v {
			v[i] = stringifyKeys(v[i])
		}
		return v
	default:
		return in
	}
}
