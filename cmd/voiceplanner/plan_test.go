package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPlanCommandSingleGoal(t *testing.T) {
	cmd := planCMD()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"Delete", "property", "7"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("plan: %v", err)
	}
	var d dryRun
	if err := json.Unmarshal(out.Bytes(), &d); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if d.Plan == nil || d.Plan.Rule != "delete_property" || !d.Blocked || len(d.Destructive) != 1 {
		t.Fatalf("unexpected dry run %+v", d)
	}
}

func TestPlanCommandGoalFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goals.yaml")
	body := `
- text: enrich all properties in austin
  hints:
    filter:
      status: lead
- text: make me a sandwich
- text: delete property 9
  confirm_destructive: true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cmd := planCMD()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--file", path, "--output", "yaml"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("plan: %v", err)
	}
	got := out.String()
	for _, want := range []string{"rule: bulk_enrich", "status: lead", "no rule matches goal", "rule: delete_property", "blocked: false"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestParseFilter(t *testing.T) {
	f, err := parseFilter([]string{"city=austin", "beds=3", "vacant=true"})
	if err != nil {
		t.Fatalf("parseFilter: %v", err)
	}
	if f["city"] != "austin" || f["beds"] != 3 || f["vacant"] != true {
		t.Fatalf("unexpected filter %v", f)
	}
	if _, err := parseFilter([]string{"=x"}); err == nil {
		t.Fatalf("expected error for empty key")
	}
}
