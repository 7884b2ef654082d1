package teams

import (
	"encoding/json"
	"testing"
)

func TestMatchClaimValue(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
		match bool
	}{
		{"nil", nil, "eng", false},
		{"array hit", []any{"ops", "eng"}, "eng", true},
		{"array miss", []any{"ops", "engineering"}, "eng", false},
		{"array number", []any{json.Number("42")}, "42", true},
		{"array with nil", []any{nil, "eng"}, "eng", true},
		{"string slice", []string{"a", "eng"}, "eng", true},
		{"exact string", "eng", "eng", true},
		{"comma list", "ops, eng ,sales", "eng", true},
		{"substring is not a match", "engineering", "eng", false},
		{"case sensitive", "Eng", "eng", false},
		{"bool", true, "true", true},
		{"object", map[string]any{"eng": true}, "eng", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchClaimValue(tt.value, tt.want); got != tt.match {
				t.Errorf("MatchClaimValue(%v, %q) = %v, want %v", tt.value, tt.want, got, tt.match)
			}
		})
	}
}

func TestRuleSetClone(t *testing.T) {
	rs := RuleSet{"t1": {{ID: "r1"}}}
	c := rs.Clone()
	c["t1"][0].ID = "changed"
	c["t2"] = []Rule{{ID: "r2"}}

	if rs["t1"][0].ID != "r1" {
		t.Error("clone shares rule slices with the original")
	}
	if _, ok := rs["t2"]; ok {
		t.Error("clone shares the map with the original")
	}

	var empty RuleSet
	if got := empty.Clone(); got == nil {
		t.Error("clone of nil set should be non-nil")
	}
}

func TestRuleJSONFieldNames(t *testing.T) {
	data, err := json.Marshal(Rule{ID: "r1", ClaimField: "groups", ClaimValue: "eng", TeamRole: "team-member"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, k := range []string{"id", "claimField", "claimValue", "teamRole", "createdAt"} {
		if _, ok := raw[k]; !ok {
			t.Errorf("missing JSON field %q in %s", k, data)
		}
	}
}
