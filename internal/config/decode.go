package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// decodeConfig decodes a config file by extension: .yaml/.yml as YAML and
// anything else as JSON. Both formats go through the same strict JSON
// decoder, so the struct tags in types.go are the only schema and an
// unknown key is a *ConfigurationError naming it.
func decodeConfig(path string, data []byte) (*Config, error) {
	body := data
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		j, err := yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", filepath.Base(path), err)
		}
		body = j
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		if field, ok := unknownField(err); ok {
			return nil, &ConfigurationError{Field: field, Reason: "unknown field"}
		}
		return nil, fmt.Errorf("config %s: %w", filepath.Base(path), err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, fmt.Errorf("config %s: trailing data", filepath.Base(path))
		}
		return nil, fmt.Errorf("config %s: %w", filepath.Base(path), err)
	}
	return &cfg, nil
}

// yamlToJSON accepts exactly one YAML document. An empty file is an empty
// object.
func yamlToJSON(data []byte) ([]byte, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc yaml.Node
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), nil
		}
		return nil, err
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, fmt.Errorf("line %d: more than one yaml document", extra.Line)
		}
		return nil, err
	}

	var v any
	if err := doc.Decode(&v); err != nil {
		return nil, err
	}
	if v == nil {
		return []byte("{}"), nil
	}
	v, err := jsonValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// jsonValue rewrites YAML maps into string-keyed maps. Non-string keys
// are rejected rather than stringified, since no config key is numeric.
func jsonValue(in any) (any, error) {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			nv, err := jsonValue(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			x[k] = nv
		}
		return x, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", k)
			}
			nv, err := jsonValue(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", ks, err)
			}
			m[ks] = nv
		}
		return m, nil
	case []any:
		for i := range x {
			nv, err := jsonValue(x[i])
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			x[i] = nv
		}
		return x, nil
	default:
		return in, nil
	}
}

// unknownField extracts the key from encoding/json's unknown field error.
func unknownField(err error) (string, bool) {
	const prefix = `json: unknown field "`
	msg := err.Error()
	if !strings.HasPrefix(msg, prefix) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(msg, prefix), `"`), true
}
