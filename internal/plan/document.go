package plan

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Document is the plan description a graph is built from.
type Document struct {
	Title string    `json:"title" yaml:"title"`
	Plan  []RawNode `json:"plan" yaml:"plan"`
}

// RawNode is one entry of a plan document before validation. List-typed
// fields accept a scalar, a list or null.
type RawNode struct {
	ID            string         `json:"id" yaml:"id"`
	Title         string         `json:"title" yaml:"title"`
	Type          string         `json:"type" yaml:"type"`
	Deps          stringList     `json:"deps" yaml:"deps"`
	SuggestedRole string         `json:"suggested_role" yaml:"suggested_role"`
	LLM           map[string]any `json:"llm,omitempty" yaml:"llm,omitempty"`
	Worker        map[string]any `json:"worker,omitempty" yaml:"worker,omitempty"`
	Acceptance    stringList     `json:"acceptance" yaml:"acceptance"`
	Risks         stringList     `json:"risks" yaml:"risks"`
	Assumptions   stringList     `json:"assumptions" yaml:"assumptions"`
	Notes         stringList     `json:"notes" yaml:"notes"`
}

// Parse decodes a JSON or YAML plan document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("parse plan json: %w", err)
		}
		return &doc, nil
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse plan yaml: %w", err)
	}
	return &doc, nil
}

type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*l = toStrings(raw)
	return nil
}

func (l *stringList) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*l = toStrings(raw)
	return nil
}

func toStrings(raw any) []string {
	switch v := raw.(type) {
	case nil:
		return []string{}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if item == nil {
				continue
			}
			s := fmt.Sprint(item)
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return []string{}
		}
		return []string{v}
	case bool:
		if !v {
			return []string{}
		}
		return []string{"true"}
	default:
		return []string{fmt.Sprint(v)}
	}
}
