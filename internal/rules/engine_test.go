package rules

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestEngineEvalDefaultPack(t *testing.T) {
	b := newTraceBuilder(t)
	b.speed(0.0, 90)
	b.speed(0.1, 110) // overspeed
	b.speed(0.2, 90)
	b.brake(0.15, 50)

	e := NewEngine(DefaultRulePack())
	results, err := e.Eval(b.context())
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("result count = %d, want 5", len(results))
	}

	byID := map[string]TestResult{}
	for _, r := range results {
		byID[r.RuleId] = r
	}
	if byID["ACC-001"].Passed {
		t.Errorf("overspeed rule passed a 110 km/h trace")
	}
	for _, id := range []string{"ACC-002", "ACC-003", "ACC-004", "ACC-005"} {
		if !byID[id].Passed {
			t.Errorf("rule %s failed: %+v", id, byID[id].Violations)
		}
	}

	rep := e.MakeAcceptance(b.context())
	if rep.Summary.Total != 5 || rep.Summary.Failed != 1 || rep.Summary.Passed != 4 {
		t.Errorf("summary = %+v", rep.Summary)
	}
	if rep.Summary.Pass {
		t.Errorf("report passed with a failed rule")
	}
	if rep.Summary.PassRate != 0.8 {
		t.Errorf("pass rate = %g, want 0.8", rep.Summary.PassRate)
	}
}

func TestEngineEvalCleanTracePasses(t *testing.T) {
	b := newTraceBuilder(t)
	for i := 0; i < 20; i++ {
		b.speed(float64(i)*0.1, 60)
	}
	b.brake(0.5, 10)

	e := NewEngine(DefaultRulePack())
	if _, err := e.Eval(b.context()); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	rep := e.MakeAcceptance(b.context())
	if !rep.Summary.Pass {
		t.Fatalf("clean trace failed: %+v", rep.Results)
	}
}

func TestEngineUnknownCheck(t *testing.T) {
	pack := RulePack{Rules: []Rule{
		{RuleId: "X-001", Name: "ghost", Severity: ERROR, Check: "checkNoSuchThing"},
	}}
	e := NewEngine(pack)
	results, err := e.Eval(newTraceBuilder(t).context())
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if len(results) != 1 || results[0].Passed {
		t.Fatalf("unknown check did not fail: %+v", results)
	}
	if results[0].Severity != WARN {
		t.Errorf("severity = %s, want WARN", results[0].Severity)
	}
}

func TestEngineOnResultOrder(t *testing.T) {
	b := newTraceBuilder(t)
	b.speed(0.0, 50)
	e := NewEngine(DefaultRulePack())
	var seen []string
	e.OnResult(func(r TestResult) { seen = append(seen, r.RuleId) })
	if _, err := e.Eval(b.context()); err != nil {
		t.Fatal(err)
	}
	want := []string{"ACC-001", "ACC-002", "ACC-003", "ACC-004", "ACC-005"}
	if len(seen) != len(want) {
		t.Fatalf("callback count = %d, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("callback order = %v", seen)
		}
	}
}

func TestWriteViolationsNDJSON(t *testing.T) {
	b := newTraceBuilder(t)
	b.speed(0.0, 120)
	b.speed(0.1, 130)

	e := NewEngine(DefaultRulePack())
	if _, err := e.Eval(b.context()); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := e.WriteViolationsNDJSON(&buf); err != nil {
		t.Fatalf("WriteViolationsNDJSON: %v", err)
	}
	scanner := bufio.NewScanner(&buf)
	lines := 0
	for scanner.Scan() {
		lines++
		var v Violation
		if err := json.Unmarshal(scanner.Bytes(), &v); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines, err)
		}
		if v.RuleId == "" {
			t.Errorf("line %d missing ruleId", lines)
		}
	}
	if lines != 2 {
		t.Errorf("line count = %d, want 2", lines)
	}
}

func TestLoadRulePack(t *testing.T) {
	doc := `{
  "rulePackId": "acc-custom",
  "version": "2.0.0",
  "profile": "acc",
  "rules": [
    {"ruleId": "ACC-001", "name": "overspeed", "severity": "ERROR",
     "checkFunction": "checkOverspeed", "params": {"limit": 130}}
  ]
}`
	path := filepath.Join(t.TempDir(), "pack.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	rp, err := LoadRulePack(path)
	if err != nil {
		t.Fatalf("LoadRulePack: %v", err)
	}
	if rp.RulePackId != "acc-custom" || len(rp.Rules) != 1 {
		t.Fatalf("pack = %+v", rp)
	}
	if rp.Rules[0].paramFloat("limit", 0) != 130 {
		t.Errorf("limit param lost")
	}

	b := newTraceBuilder(t)
	b.speed(0.0, 120) // above default limit, below the custom one
	e := NewEngine(rp)
	results, err := e.Eval(b.context())
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].Passed {
		t.Errorf("120 km/h failed a 130 km/h limit")
	}
}

func TestContextEnsureDecodedFromFiles(t *testing.T) {
	dir := t.TempDir()
	catalog := filepath.Join(dir, "acc.dbc")
	trace := filepath.Join(dir, "run.asc")
	if err := os.WriteFile(catalog, []byte(testCatalog), 0o644); err != nil {
		t.Fatal(err)
	}
	traceDoc := "0.000000 1  101             Rx   d 8 10 27 00 00 00 00 00 00\n" +
		"not a frame\n" +
		"0.100000 1  101             Rx   d 8 10 27 00 00 00 00 00 00\n"
	if err := os.WriteFile(trace, []byte(traceDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := &Context{CatalogFile: catalog, TraceFile: trace}
	if err := ctx.EnsureDecoded(); err != nil {
		t.Fatalf("EnsureDecoded: %v", err)
	}
	if ctx.Set.FrameCount() != 2 {
		t.Errorf("frames = %d, want 2", ctx.Set.FrameCount())
	}
	if ctx.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", ctx.Skipped)
	}

	set := ctx.Set
	if err := ctx.EnsureDecoded(); err != nil {
		t.Fatal(err)
	}
	if ctx.Set != set {
		t.Errorf("second EnsureDecoded rebuilt the set")
	}
}

func TestContextEnsureDecodedMissingCatalog(t *testing.T) {
	ctx := &Context{CatalogFile: filepath.Join(t.TempDir(), "absent.dbc")}
	if err := ctx.EnsureDecoded(); err == nil {
		t.Fatalf("missing catalog accepted")
	}
}
