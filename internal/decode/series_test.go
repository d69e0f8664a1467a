package decode

import (
	"testing"

	"example.com/accgate/internal/asc"
)

func speedFrame(ts, kmh float64) asc.Frame {
	data := make([]byte, 8)
	raw := int64(kmh / 0.01)
	data[0] = byte(raw)
	data[1] = byte(raw >> 8)
	return asc.Frame{Timestamp: ts, Channel: 1, ID: 0x101, DLC: 8, Data: data}
}

func TestSeriesSetAssembly(t *testing.T) {
	db := loadTestCatalog(t)
	set := NewSeriesSet(db)

	set.Add(speedFrame(0.0, 50))
	set.Add(speedFrame(0.1, 60))
	set.Add(asc.Frame{Timestamp: 0.15, Channel: 1, ID: 0x7FF, DLC: 8, Data: make([]byte, 8)})
	set.Add(speedFrame(0.2, 70))

	speed := set.Series("Speed")
	if len(speed) != 3 {
		t.Fatalf("series length = %d, want 3", len(speed))
	}
	for i := 1; i < len(speed); i++ {
		if speed[i].Timestamp < speed[i-1].Timestamp {
			t.Fatalf("series not sorted at %d", i)
		}
	}
	if speed[1].Value != 60 {
		t.Errorf("speed[1] = %g, want 60", speed[1].Value)
	}
	if set.FrameCount() != 3 {
		t.Errorf("frame count = %d, want 3 (unknown id must not count)", set.FrameCount())
	}
	if got := set.Arrivals(0x101); len(got) != 3 || got[2] != 0.2 {
		t.Errorf("arrivals = %v", got)
	}
	if got := set.Signals(); len(got) != 1 || got[0] != "Speed" {
		t.Errorf("signals = %v", got)
	}
}

func TestSeriesSetDropsShortFrames(t *testing.T) {
	db := loadTestCatalog(t)
	set := NewSeriesSet(db)
	set.Add(asc.Frame{Timestamp: 0.1, ID: 0x101, DLC: 1, Data: []byte{0x10}})
	if set.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", set.Dropped())
	}
	if len(set.Series("Speed")) != 0 {
		t.Errorf("short frame produced samples")
	}
}

func TestSignalStats(t *testing.T) {
	db := loadTestCatalog(t)
	set := NewSeriesSet(db)
	set.Add(speedFrame(0.0, 40))
	set.Add(speedFrame(0.1, 60))
	set.Add(speedFrame(0.2, 80))

	stats := set.SignalStats()
	if len(stats) != 1 {
		t.Fatalf("stats count = %d, want 1", len(stats))
	}
	st := stats[0]
	if st.Signal != "Speed" || st.Count != 3 {
		t.Fatalf("stats = %+v", st)
	}
	if st.Min != 40 || st.Max != 80 || st.Mean != 60 {
		t.Errorf("min/max/mean = %g/%g/%g, want 40/80/60", st.Min, st.Max, st.Mean)
	}
	if st.First != 0.0 || st.Last != 0.2 {
		t.Errorf("first/last = %g/%g", st.First, st.Last)
	}
	if st.Unit != "km/h" {
		t.Errorf("unit = %q", st.Unit)
	}
}
