package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuildSaveLoadVerify(t *testing.T) {
	dir := t.TempDir()
	catalog := filepath.Join(dir, "acc.dbc")
	trace := filepath.Join(dir, "run.asc")
	if err := os.WriteFile(catalog, []byte("BO_ 1 A: 8 ECU\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(trace, []byte("0.0 1 100 Rx d 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := Build([]string{catalog, trace})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(m.Items) != 2 || m.ShaAlgo != "sha256" {
		t.Fatalf("manifest = %+v", m)
	}
	if m.Items[0].Type != "catalog" || m.Items[1].Type != "trace" {
		t.Errorf("types = %s, %s", m.Items[0].Type, m.Items[1].Type)
	}
	if m.Items[0].Size == 0 || len(m.Items[0].Sha256) != 64 {
		t.Errorf("item = %+v", m.Items[0])
	}

	out := filepath.Join(dir, "manifest.json")
	if err := Save(m, out); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(out)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Items) != 2 || got.Items[0].Sha256 != m.Items[0].Sha256 {
		t.Fatalf("round trip lost items")
	}

	if bad := Verify(got); len(bad) != 0 {
		t.Fatalf("unchanged files failed verify: %v", bad)
	}
	if err := os.WriteFile(trace, []byte("tampered\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	bad := Verify(got)
	if len(bad) != 1 || bad[0] != trace {
		t.Fatalf("tamper not detected: %v", bad)
	}
}

func TestBuildMissingFile(t *testing.T) {
	if _, err := Build([]string{filepath.Join(t.TempDir(), "absent.asc")}); err == nil {
		t.Fatalf("missing file accepted")
	}
}
