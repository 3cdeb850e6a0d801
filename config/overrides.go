package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ApplyOverrides merges "a.b.c=value" entries into raw. Values are parsed as
// YAML scalars or flow collections, so "5e-5", "true" and "[a, b]" keep their
// types. Intermediate maps are created as needed.
func ApplyOverrides(raw map[string]any, overrides []string) error {
	for _, o := range overrides {
		key, value, ok := strings.Cut(o, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return fmt.Errorf("%w: override %q is not key=value", ErrConfig, o)
		}
		var parsed any
		if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
			return fmt.Errorf("%w: override %s: %v", ErrConfig, key, err)
		}
		if err := setPath(raw, strings.Split(key, "."), parsed); err != nil {
			return fmt.Errorf("%w: override %s: %v", ErrConfig, key, err)
		}
	}
	return nil
}

func setPath(m map[string]any, path []string, value any) error {
	for i, part := range path {
		if part == "" {
			return fmt.Errorf("empty path segment")
		}
		if i == len(path)-1 {
			m[part] = value
			return nil
		}
		next, exists := m[part]
		if !exists || next == nil {
			child := map[string]any{}
			m[part] = child
			m = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%s is not a table", strings.Join(path[:i+1], "."))
		}
		m = child
	}
	return nil
}
