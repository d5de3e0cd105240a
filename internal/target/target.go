// Package target implements the declarative process-matching rules (spec
// §3 "Target", "MatchType") and the pure Target Matcher (spec §4.2).
//
// The shape follows the teacher's watcher.ProcessWatcher.matchingRule: a
// small ordered rule list evaluated against a process's short name, argv,
// and executable path. Boolean composition (And/Or) and ancestor-chain
// eligibility are new relative to the teacher and are grounded instead on
// original_source's json_rules_parser.rs / nf_process_match.rs Condition
// tree, reimplemented without its process-wide debug logging.
package target

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// MatchType is a composable predicate over a process's identity (spec §3).
// Exactly one of the fields is populated, selected by Op.
type MatchType struct {
	Op MatchOp

	// Leaf operand, used by ProcessNameIs / ProcessNameContains /
	// CommandContains / CommandNotContains / FirstArgIs.
	Value string

	// Composite operands, used by And / Or.
	Children []MatchType
}

// MatchOp enumerates the MatchType variants from spec §3.
type MatchOp int

const (
	OpProcessNameIs MatchOp = iota
	OpProcessNameContains
	OpCommandContains
	OpCommandNotContains
	OpFirstArgIs
	OpAnd
	OpOr
)

// ProcessNameIs builds an exact, case-sensitive match on the short command
// name.
func ProcessNameIs(name string) MatchType { return MatchType{Op: OpProcessNameIs, Value: name} }

// ProcessNameContains builds a case-insensitive substring match on the short
// command name.
func ProcessNameContains(substr string) MatchType {
	return MatchType{Op: OpProcessNameContains, Value: substr}
}

// CommandContains builds a case-insensitive substring match on the
// space-joined argv.
func CommandContains(substr string) MatchType {
	return MatchType{Op: OpCommandContains, Value: substr}
}

// CommandNotContains is the negation of CommandContains.
func CommandNotContains(substr string) MatchType {
	return MatchType{Op: OpCommandNotContains, Value: substr}
}

// FirstArgIs builds an exact, case-sensitive match on argv[0].
func FirstArgIs(value string) MatchType { return MatchType{Op: OpFirstArgIs, Value: value} }

// And builds a short-circuiting conjunction, evaluated left to right.
func And(children ...MatchType) MatchType { return MatchType{Op: OpAnd, Children: children} }

// Or builds a short-circuiting disjunction, evaluated left to right.
func Or(children ...MatchType) MatchType { return MatchType{Op: OpOr, Children: children} }

// Process is the minimal process view the matcher and recognizer need. It
// mirrors the fields of a trigger.ProcessStart without importing that
// package, keeping target matching usable standalone and trivially testable
// (spec §9 "Matching is pure").
type Process struct {
	PID     int
	PPID    int
	Comm    string
	Argv    []string
	Exe     string
}

// commandLine returns the space-joined argv, falling back to Exe when argv
// is empty (spec §4.2 "Empty argv (kernel truncation)").
func (p Process) commandLine() string {
	if len(p.Argv) == 0 {
		return p.Exe
	}
	return strings.Join(p.Argv, " ")
}

func (p Process) firstArg() string {
	if len(p.Argv) == 0 {
		return ""
	}
	return p.Argv[0]
}

// Matches evaluates m against p. Unknown/zero-value MatchType shapes never
// match (spec §7 "the matcher never fails; unknown rule shapes are treated
// as non-matching").
func (m MatchType) Matches(p Process) bool {
	switch m.Op {
	case OpProcessNameIs:
		return p.Comm == m.Value
	case OpProcessNameContains:
		return strings.Contains(strings.ToLower(p.Comm), strings.ToLower(m.Value))
	case OpCommandContains:
		return strings.Contains(strings.ToLower(p.commandLine()), strings.ToLower(m.Value))
	case OpCommandNotContains:
		return !strings.Contains(strings.ToLower(p.commandLine()), strings.ToLower(m.Value))
	case OpFirstArgIs:
		return p.firstArg() == m.Value
	case OpAnd:
		for _, c := range m.Children {
			if !c.Matches(p) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range m.Children {
			if c.Matches(p) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Target is a declarative rule (spec §3). DisplayName, when empty, falls
// back to the process's command name as the rule key (spec §4.4 step 2).
type Target struct {
	Match       MatchType `yaml:"match"`
	DisplayName string    `yaml:"display_name,omitempty"`

	// ForceAncestorToMatch mirrors spec §3's force_ancestor_to_match: when
	// true (the default), this rule may only match the process itself, not
	// its ancestors. Set false to allow ancestor-based matching (spec §4.2
	// step 3, scenario 2/3).
	ForceAncestorToMatch bool `yaml:"force_ancestor_to_match"`
}

// targetDoc mirrors Target's document shape with ForceAncestorToMatch as a
// pointer, so a document that omits the key is distinguishable from one
// that explicitly sets it false.
type targetDoc struct {
	Match                MatchType `yaml:"match"`
	DisplayName          string    `yaml:"display_name,omitempty"`
	ForceAncestorToMatch *bool     `yaml:"force_ancestor_to_match,omitempty"`
}

// UnmarshalYAML decodes a Target, defaulting ForceAncestorToMatch to true
// when the document omits force_ancestor_to_match (spec §3, §4.2).
func (t *Target) UnmarshalYAML(node *yaml.Node) error {
	var doc targetDoc
	if err := node.Decode(&doc); err != nil {
		return fmt.Errorf("target: decode Target: %w", err)
	}

	t.Match = doc.Match
	t.DisplayName = doc.DisplayName
	if doc.ForceAncestorToMatch == nil {
		t.ForceAncestorToMatch = true
	} else {
		t.ForceAncestorToMatch = *doc.ForceAncestorToMatch
	}
	return nil
}

// MarshalYAML encodes a Target back to its document form.
func (t Target) MarshalYAML() (any, error) {
	forceAncestor := t.ForceAncestorToMatch
	return targetDoc{
		Match:                t.Match,
		DisplayName:          t.DisplayName,
		ForceAncestorToMatch: &forceAncestor,
	}, nil
}

// Name returns t.DisplayName, or fall, when DisplayName is empty.
func (t Target) Name(fall string) string {
	if t.DisplayName != "" {
		return t.DisplayName
	}
	return fall
}
