package target

import "testing"

import "gopkg.in/yaml.v3"

func TestMatchType_YAMLRoundTrip(t *testing.T) {
	doc := `
and:
  - process_name_is: bbsplit.sh
  - command_contains: fq
`
	var m MatchType
	if err := yaml.Unmarshal([]byte(doc), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Op != OpAnd || len(m.Children) != 2 {
		t.Fatalf("got %+v", m)
	}
	if m.Children[0].Op != OpProcessNameIs || m.Children[0].Value != "bbsplit.sh" {
		t.Errorf("child 0: %+v", m.Children[0])
	}

	out, err := yaml.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var roundTripped MatchType
	if err := yaml.Unmarshal(out, &roundTripped); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if roundTripped.Op != OpAnd || len(roundTripped.Children) != 2 {
		t.Fatalf("round trip mismatch: %+v", roundTripped)
	}
}

func TestMatchType_UnmarshalYAML_UnknownVariant(t *testing.T) {
	var m MatchType
	err := yaml.Unmarshal([]byte("foo: bar"), &m)
	if err == nil {
		t.Fatal("expected error for unknown variant")
	}
}

func TestMatchType_UnmarshalYAML_SimpleLeaf(t *testing.T) {
	var m MatchType
	if err := yaml.Unmarshal([]byte("command_not_contains: bbsplit"), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Op != OpCommandNotContains || m.Value != "bbsplit" {
		t.Errorf("got %+v", m)
	}
}
