package engine

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// RenderParams expands {{ .name }} references in every string inside
// params. Unknown names are an error.
func RenderParams(params map[string]any, vars map[string]any) (map[string]any, error) {
	out, err := renderValue(params, vars, "params")
	if err != nil {
		return nil, err
	}
	if out == nil {
		return map[string]any{}, nil
	}
	return out.(map[string]any), nil
}

func renderValue(v any, vars map[string]any, path string) (any, error) {
	switch val := v.(type) {
	case string:
		return renderString(val, vars, path)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			rendered, err := renderValue(item, vars, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rendered, err := renderValue(item, vars, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			rendered, err := renderString(item, vars, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

func renderString(s string, vars map[string]any, path string) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	tmpl, err := template.New(path).Option("missingkey=error").Parse(s)
	if err != nil {
		return "", fmt.Errorf("failed to parse template in %s: %w", path, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", path, err)
	}
	return buf.String(), nil
}
