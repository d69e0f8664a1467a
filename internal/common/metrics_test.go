package common

import (
	"strings"
	"testing"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.Start()
	m.AddFrame(64)
	m.AddFrame(64)
	m.AddBytes(32)
	m.IncSkipped()
	m.AddSamples(3)
	m.SetTotalBytes(1000)
	m.Stop()

	snap := m.Snapshot()
	if snap.Frames != 2 || snap.Skipped != 1 || snap.Samples != 3 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Bytes != 160 || snap.TotalBytes != 1000 {
		t.Errorf("bytes = %d/%d", snap.Bytes, snap.TotalBytes)
	}
	if snap.Duration <= 0 {
		t.Errorf("duration = %v", snap.Duration)
	}
	if c := snap.Completion(); c < 0.15 || c > 0.17 {
		t.Errorf("completion = %g", c)
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.00 KiB"},
		{5 * 1024 * 1024, "5.00 MiB"},
	}
	for _, tc := range cases {
		if got := FormatBytes(tc.in); got != tc.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSha256OfBytes(t *testing.T) {
	got := Sha256OfBytes([]byte("abc"))
	if len(got) != 64 || !strings.HasPrefix(got, "ba7816bf") {
		t.Errorf("Sha256OfBytes = %q", got)
	}
}
