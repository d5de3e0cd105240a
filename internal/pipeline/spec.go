// Package pipeline implements the declarative pipeline specification (spec
// §3, §6 "Pipeline specification") and the Task Recognizer (spec §4.4).
//
// Parsing follows the teacher's config.LoadConfig shape — yaml.v3 unmarshal
// into typed structs, then validate — generalised from a flat rule list to
// the pipeline/subworkflow/task tree. The recursive step-walking that
// builds rule_to_tasks is grounded in original_source's
// TargetPipelineManager::add_steps / add_task / add_subworkflow
// (pipeline_manager.rs).
package pipeline

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/tracer-cloud/tracer-agent/internal/target"
)

// Spec is the top-level pipeline YAML document (spec §6).
type Spec struct {
	Pipelines []Pipeline `yaml:"pipelines"`
}

// Pipeline is one pipeline definition.
type Pipeline struct {
	ID           string                  `yaml:"id"`
	Description  string                  `yaml:"description,omitempty"`
	Repo         string                  `yaml:"repo,omitempty"`
	Language     string                  `yaml:"language,omitempty"`
	Version      string                  `yaml:"version,omitempty"`
	Subworkflows map[string]Subworkflow  `yaml:"subworkflows,omitempty"`
	Tasks        map[string]Task         `yaml:"tasks,omitempty"`
	Steps        []Step                  `yaml:"steps,omitempty"`
	OptionalSteps []Step                 `yaml:"optional_steps,omitempty"`
}

// Subworkflow composes steps recursively (spec §3 "Subworkflows compose
// steps recursively").
type Subworkflow struct {
	ID            string `yaml:"id"`
	Description   string `yaml:"description,omitempty"`
	Steps         []Step `yaml:"steps,omitempty"`
	OptionalSteps []Step `yaml:"optional_steps,omitempty"`
}

// SpecializedRule pairs a rule name with an extra condition that must also
// hold (spec §3 "specialized rules").
type SpecializedRule struct {
	Name      string           `yaml:"name"`
	Condition target.MatchType `yaml:"condition"`
}

// Task is a named, scoreable pipeline step (spec §3, §4.4).
type Task struct {
	ID                       string            `yaml:"id"`
	Description              string            `yaml:"description,omitempty"`
	Rules                    []string          `yaml:"rules"`
	OptionalRules            []string          `yaml:"optional_rules,omitempty"`
	SpecializedRules         []SpecializedRule `yaml:"specialized_rules,omitempty"`
	OptionalSpecializedRules []SpecializedRule `yaml:"optional_specialized_rules,omitempty"`
}

// Step is the tagged-variant step union from spec §6: exactly one field is
// populated, discriminated by the YAML key present.
type Step struct {
	Task               string `yaml:"task,omitempty"`
	OptionalTask       string `yaml:"optional_task,omitempty"`
	Subworkflow        string `yaml:"subworkflow,omitempty"`
	OptionalSubworkflow string `yaml:"optional_subworkflow,omitempty"`
	And                []Step `yaml:"and,omitempty"`
	Or                 []Step `yaml:"or,omitempty"`
}

// ParseSpec parses a pipeline specification document.
func ParseSpec(data []byte) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("pipeline: parse spec: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Spec) validate() error {
	for _, p := range s.Pipelines {
		if p.ID == "" {
			return fmt.Errorf("pipeline: spec: pipeline missing id")
		}
		for id, t := range p.Tasks {
			if len(t.Rules) == 0 && len(t.SpecializedRules) == 0 {
				return fmt.Errorf("pipeline %s: task %s: must declare at least one required rule", p.ID, id)
			}
		}
	}
	return nil
}
