package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// The agent config is written in YAML or JSON. Both funnel through the
// strict JSON decoder (DisallowUnknownFields), so a typoed key is
// rejected the same way regardless of format. YAML input is converted
// to JSON bytes first.
//
// coerceToJSONBytes returns (jsonBytes, format, err) where format is
// "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", fmt.Errorf("agent config: yaml unmarshal: %w", err)
	}

	j, err := json.Marshal(jsonSafe(doc))
	if err != nil {
		return nil, "yaml", fmt.Errorf("agent config: yaml to json: %w", err)
	}
	return j, "yaml", nil
}

// jsonSafe rewrites YAML maps so every key is a string, which is what
// json.Marshal requires.
func jsonSafe(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = jsonSafe(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = jsonSafe(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = jsonSafe(x[i])
		}
		return x
	default:
		return in
	}
}
