package report

import (
	"os"
	"path/filepath"
	"testing"

	"example.com/accgate/internal/decode"
	"example.com/accgate/internal/rules"
)

func sampleReport() rules.AcceptanceReport {
	var rep rules.AcceptanceReport
	rep.CatalogFile = "acc.dbc"
	rep.TraceFile = "run.asc"
	rep.Results = []rules.TestResult{
		{RuleId: "ACC-001", Name: "overspeed", Severity: rules.ERROR, Passed: false,
			Violations: []rules.Violation{{RuleId: "ACC-001", Severity: rules.ERROR,
				Timestamp: 1.5, Signal: "Speed", Message: "Speed 120.00 km/h exceeds limit 100.00 km/h"}}},
		{RuleId: "ACC-005", Name: "frame checksum", Severity: rules.ERROR, Passed: true},
	}
	rep.Summary.Total = 2
	rep.Summary.Passed = 1
	rep.Summary.Failed = 1
	rep.Summary.PassRate = 0.5
	return rep
}

func TestAcceptanceJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acceptance.json")
	if err := SaveAcceptanceJSON(sampleReport(), path); err != nil {
		t.Fatalf("SaveAcceptanceJSON: %v", err)
	}
	got, err := LoadAcceptanceJSON(path)
	if err != nil {
		t.Fatalf("LoadAcceptanceJSON: %v", err)
	}
	if got.Summary.Total != 2 || got.Summary.Failed != 1 {
		t.Errorf("summary = %+v", got.Summary)
	}
	if len(got.Results) != 2 || got.Results[0].Violations[0].Signal != "Speed" {
		t.Errorf("results lost detail: %+v", got.Results)
	}
}

func TestDigestToQR(t *testing.T) {
	png, err := DigestToQR("ab12cd34", 128)
	if err != nil {
		t.Fatalf("DigestToQR: %v", err)
	}
	if len(png) == 0 {
		t.Fatalf("empty PNG")
	}
	if _, err := DigestToQR("  ", 128); err == nil {
		t.Fatalf("empty digest accepted")
	}
	if _, err := DigestToQR("zz!!", 128); err == nil {
		t.Fatalf("digest with no hex characters accepted")
	}
}

func TestSaveAcceptancePDF(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "acceptance.json")
	if err := SaveAcceptanceJSON(sampleReport(), jsonPath); err != nil {
		t.Fatal(err)
	}
	stats := []decode.Stats{
		{Signal: "Speed", Count: 100, Min: 0, Max: 120, Mean: 63.5, Unit: "km/h"},
	}
	out := filepath.Join(dir, "acceptance.pdf")
	if err := SaveAcceptancePDF(sampleReport(), stats, jsonPath, out); err != nil {
		t.Fatalf("SaveAcceptancePDF: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("empty PDF written")
	}
}
