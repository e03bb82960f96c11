package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileLookup reads a flat YAML mapping of option names to scalar values.
// Keys may be written either as environment names (CHATSQL_MAX_ATTEMPTS) or
// in short lower-case form (max_attempts).
func FileLookup(path string) (LookupFunc, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	return parseFileLookup(content)
}

func parseFileLookup(content []byte) (LookupFunc, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}

	values := make(map[string]string, len(raw))
	for key, value := range raw {
		switch value.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("config key %q: nested values are not supported", key)
		}
		name := strings.ToUpper(strings.TrimSpace(key))
		if !strings.HasPrefix(name, "CHATSQL_") {
			name = "CHATSQL_" + name
		}
		if value == nil {
			values[name] = ""
			continue
		}
		values[name] = fmt.Sprint(value)
	}

	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}, nil
}

// Chain returns a lookup that consults each source in order and returns the
// first hit.
func Chain(sources ...LookupFunc) LookupFunc {
	return func(key string) (string, bool) {
		for _, source := range sources {
			if source == nil {
				continue
			}
			if value, ok := source(key); ok {
				return value, true
			}
		}
		return "", false
	}
}
