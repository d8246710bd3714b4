// Package blueprint defines the site-specific instruction lists workers
// execute, their validation schema, and the Redis store they are served from.
package blueprint

import (
	"bytes"
	"strings"

	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Blueprint is an ordered instruction list for scraping one domain.
	Blueprint struct {
		Domain string `json:"domain"`
		Steps  []Step `json:"steps"`
	}

	// Step is a single blueprint instruction. Which fields are meaningful
	// depends on Type; unknown types are skipped by the worker with a log.
	Step struct {
		// Type is one of goto, wait, click, input, vlm_ground.
		Type string `json:"type"`
		// URL is the navigation target for goto steps. May contain
		// {{field}} placeholders resolved against the lead.
		URL string `json:"url,omitempty"`
		// Selector targets click and input steps.
		Selector string `json:"selector,omitempty"`
		// Value is the text for input steps, with placeholders.
		Value string `json:"value,omitempty"`
		// Intent describes the element for vlm_ground steps and selector
		// recovery.
		Intent string `json:"intent,omitempty"`
		// WaitMS is the pause for wait steps.
		WaitMS int `json:"wait_ms,omitempty"`
		// PressEnter submits the field after an input step.
		PressEnter bool `json:"press_enter,omitempty"`
	}
)

// Step types understood by the worker.
const (
	StepGoto      = "goto"
	StepWait      = "wait"
	StepClick     = "click"
	StepInput     = "input"
	StepVLMGround = "vlm_ground"
	// StepExtract reads a field off the page: Selector targets the node,
	// Intent names the output field.
	StepExtract = "extract"
)

//go:embed schema.json
var schemaJSON []byte

var schema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("blueprint schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("blueprint.json", doc); err != nil {
		panic(fmt.Sprintf("blueprint schema: %v", err))
	}
	s, err := c.Compile("blueprint.json")
	if err != nil {
		panic(fmt.Sprintf("blueprint schema: %v", err))
	}
	return s
}

// Parse decodes and validates a JSON blueprint document.
func Parse(data []byte) (*Blueprint, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode blueprint: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate blueprint: %w", err)
	}
	var bp Blueprint
	if err := json.Unmarshal(data, &bp); err != nil {
		return nil, fmt.Errorf("decode blueprint: %w", err)
	}
	return &bp, nil
}

// Resolve returns a copy of the blueprint with {{field}} placeholders in URL
// and Value substituted from the lead record. Unresolved placeholders are
// left intact so failures surface at execution rather than silently.
func (b *Blueprint) Resolve(lead map[string]any) *Blueprint {
	out := &Blueprint{Domain: b.Domain, Steps: make([]Step, len(b.Steps))}
	for i, s := range b.Steps {
		s.URL = expand(s.URL, lead)
		s.Value = expand(s.Value, lead)
		out.Steps[i] = s
	}
	return out
}

func expand(s string, lead map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	for k, v := range lead {
		placeholder := "{{" + k + "}}"
		if strings.Contains(s, placeholder) {
			s = strings.ReplaceAll(s, placeholder, fmt.Sprint(v))
		}
	}
	return s
}
