package decode

import (
	"errors"
	"io"
	"math"
	"sort"

	"example.com/accgate/internal/asc"
	"example.com/accgate/internal/common"
	"example.com/accgate/internal/dbc"
)

// SeriesSet groups decoded samples per signal and remembers frame arrival
// times per identifier. Samples arrive in trace order, so every series is
// sorted by timestamp without further work.
type SeriesSet struct {
	db       *dbc.Database
	series   map[string][]Sample
	arrivals map[uint32][]float64
	raw      map[uint32][]asc.Frame
	frames   int
	short    int

	metrics *common.Metrics
}

// NewSeriesSet prepares an empty assembler over the given catalog.
func NewSeriesSet(db *dbc.Database) *SeriesSet {
	return &SeriesSet{
		db:       db,
		series:   make(map[string][]Sample),
		arrivals: make(map[uint32][]float64),
		raw:      make(map[uint32][]asc.Frame),
	}
}

// SetMetrics attaches a metrics recorder to the assembler.
func (s *SeriesSet) SetMetrics(m *common.Metrics) {
	s.metrics = m
}

// Add decodes one frame into the set. Frames with unknown identifiers are
// ignored; frames too short for their catalog layout are dropped with a log
// line, the same non-fatal treatment the trace reader gives malformed lines.
func (s *SeriesSet) Add(frame asc.Frame) {
	if _, ok := s.db.Message(frame.ID); !ok {
		return
	}
	samples, err := DecodeFrame(s.db, frame)
	if err != nil {
		s.short++
		if s.metrics != nil {
			s.metrics.IncSkipped()
		}
		common.Logf("frame 0x%X at %.6f dropped: %v", frame.ID, frame.Timestamp, err)
		return
	}
	s.frames++
	s.arrivals[frame.ID] = append(s.arrivals[frame.ID], frame.Timestamp)
	s.raw[frame.ID] = append(s.raw[frame.ID], frame)
	for _, sample := range samples {
		s.series[sample.Signal] = append(s.series[sample.Signal], sample)
	}
	if s.metrics != nil {
		s.metrics.AddSamples(int64(len(samples)))
	}
}

// AddAll drains a trace reader into the set.
func (s *SeriesSet) AddAll(r *asc.Reader) error {
	for {
		frame, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		s.Add(frame)
	}
}

// Series returns the samples for one signal in timestamp order.
func (s *SeriesSet) Series(signal string) []Sample {
	return s.series[signal]
}

// Signals returns the names of all signals with at least one sample, sorted.
func (s *SeriesSet) Signals() []string {
	names := make([]string, 0, len(s.series))
	for name := range s.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Arrivals returns the frame arrival timestamps for one identifier.
func (s *SeriesSet) Arrivals(id uint32) []float64 {
	return s.arrivals[id]
}

// Frames returns the accepted frames for one identifier, in trace order.
func (s *SeriesSet) Frames(id uint32) []asc.Frame {
	return s.raw[id]
}

// FrameCount reports how many known frames were decoded.
func (s *SeriesSet) FrameCount() int {
	return s.frames
}

// Dropped reports how many known frames were too short to decode.
func (s *SeriesSet) Dropped() int {
	return s.short
}

// Database returns the catalog the set decodes against.
func (s *SeriesSet) Database() *dbc.Database {
	return s.db
}

// Stats summarizes one signal series.
type Stats struct {
	Signal string  `json:"signal"`
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	First  float64 `json:"first_ts"`
	Last   float64 `json:"last_ts"`
	Unit   string  `json:"unit,omitempty"`
}

// SignalStats computes per-signal summaries for every populated series.
func (s *SeriesSet) SignalStats() []Stats {
	out := make([]Stats, 0, len(s.series))
	for _, name := range s.Signals() {
		samples := s.series[name]
		st := Stats{
			Signal: name,
			Count:  len(samples),
			Min:    math.Inf(1),
			Max:    math.Inf(-1),
			First:  samples[0].Timestamp,
			Last:   samples[len(samples)-1].Timestamp,
		}
		if _, sig, ok := s.db.SignalMessage(name); ok {
			st.Unit = sig.Unit
		}
		var sum float64
		for _, sm := range samples {
			if sm.Value < st.Min {
				st.Min = sm.Value
			}
			if sm.Value > st.Max {
				st.Max = sm.Value
			}
			sum += sm.Value
		}
		st.Mean = sum / float64(len(samples))
		out = append(out, st)
	}
	return out
}
