package capability

import (
	"fmt"
	"sort"
	"strings"
)

// Field describes one input key.
type Field struct {
	Required bool     `json:"required,omitempty" yaml:"required"`
	Type     string   `json:"type,omitempty" yaml:"type"`
	Enum     []string `json:"enum,omitempty" yaml:"enum"`
}

// Schema maps input keys to their constraints. Keys not listed are passed through.
type Schema map[string]Field

// Validate checks input against the schema and reports every violation.
func (s Schema) Validate(input map[string]any) error {
	if len(s) == 0 {
		return nil
	}
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var problems []string
	for _, key := range keys {
		f := s[key]
		v, ok := input[key]
		if !ok || v == nil {
			if f.Required {
				problems = append(problems, fmt.Sprintf("%s is required", key))
			}
			continue
		}
		if !typeMatches(f.Type, v) {
			problems = append(problems, fmt.Sprintf("%s must be %s", key, f.Type))
			continue
		}
		if len(f.Enum) > 0 {
			str, _ := v.(string)
			if !contains(f.Enum, str) {
				problems = append(problems, fmt.Sprintf("%s must be one of %s", key, strings.Join(f.Enum, ",")))
			}
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func typeMatches(t string, v any) bool {
	switch t {
	case "", "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	default:
		return false
	}
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
