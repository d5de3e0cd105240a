package target

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// matchTypeDoc mirrors the tagged-enum shape original_source's
// json_rules_parser.rs Condition used (one key per variant), adapted to
// YAML: exactly one of these fields is present in a well-formed document.
type matchTypeDoc struct {
	ProcessNameIs         string         `yaml:"process_name_is,omitempty"`
	ProcessNameContains   string         `yaml:"process_name_contains,omitempty"`
	CommandContains       string         `yaml:"command_contains,omitempty"`
	CommandNotContains    string         `yaml:"command_not_contains,omitempty"`
	FirstArgIs            string         `yaml:"first_arg_is,omitempty"`
	And                   []MatchType    `yaml:"and,omitempty"`
	Or                    []MatchType    `yaml:"or,omitempty"`
}

// UnmarshalYAML decodes a MatchType from its tagged-variant document form,
// e.g.:
//
//	and:
//	  - process_name_is: bbsplit.sh
//	  - command_contains: fq
func (m *MatchType) UnmarshalYAML(node *yaml.Node) error {
	var doc matchTypeDoc
	if err := node.Decode(&doc); err != nil {
		return fmt.Errorf("target: decode MatchType: %w", err)
	}

	switch {
	case doc.ProcessNameIs != "":
		*m = ProcessNameIs(doc.ProcessNameIs)
	case doc.ProcessNameContains != "":
		*m = ProcessNameContains(doc.ProcessNameContains)
	case doc.CommandContains != "":
		*m = CommandContains(doc.CommandContains)
	case doc.CommandNotContains != "":
		*m = CommandNotContains(doc.CommandNotContains)
	case doc.FirstArgIs != "":
		*m = FirstArgIs(doc.FirstArgIs)
	case len(doc.And) > 0:
		*m = And(doc.And...)
	case len(doc.Or) > 0:
		*m = Or(doc.Or...)
	default:
		return fmt.Errorf("target: MatchType document matches no known variant")
	}
	return nil
}

// MarshalYAML encodes a MatchType back to its tagged-variant document form.
func (m MatchType) MarshalYAML() (any, error) {
	switch m.Op {
	case OpProcessNameIs:
		return matchTypeDoc{ProcessNameIs: m.Value}, nil
	case OpProcessNameContains:
		return matchTypeDoc{ProcessNameContains: m.Value}, nil
	case OpCommandContains:
		return matchTypeDoc{CommandContains: m.Value}, nil
	case OpCommandNotContains:
		return matchTypeDoc{CommandNotContains: m.Value}, nil
	case OpFirstArgIs:
		return matchTypeDoc{FirstArgIs: m.Value}, nil
	case OpAnd:
		return matchTypeDoc{And: m.Children}, nil
	case OpOr:
		return matchTypeDoc{Or: m.Children}, nil
	default:
		return nil, fmt.Errorf("target: MatchType: unknown op %d", m.Op)
	}
}
