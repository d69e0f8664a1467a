package rules

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Default thresholds for the built-in checks. A rule pack overrides any of
// them through its params block.
const (
	DefaultSpeedSignal   = "Speed"
	DefaultSpeedLimit    = 100.0 // km/h
	DefaultMaxGapSeconds = 2.0

	DefaultBrakeSignal            = "BrakePressure"
	DefaultBrakePressureThreshold = 200.0 // bar
	DefaultDecelThreshold         = 20.0  // km/h per second
	DefaultEmergencyWindow        = 0.2   // seconds around the brake sample

	DefaultChecksumFrameID    = 0x102
	DefaultChecksumCoverStart = 0
	DefaultChecksumCoverEnd   = 2
	DefaultChecksumByte       = 2
)

// RegisterBuiltins installs the standard check battery into an engine.
func RegisterBuiltins(e *Engine) {
	e.Register("checkOverspeed", CheckOverspeed)
	e.Register("checkMessageTimeout", CheckMessageTimeout)
	e.Register("checkEmergencyStop", CheckEmergencyStop)
	e.Register("checkSignalBounds", CheckSignalBounds)
	e.Register("checkFrameChecksum", CheckFrameChecksum)
}

// DefaultRulePack is the battery every run gets when no pack file is given.
func DefaultRulePack() RulePack {
	return RulePack{
		RulePackId: "acc-default",
		Version:    "1.0.0",
		Profile:    "acc",
		Rules: []Rule{
			{RuleId: "ACC-001", Name: "overspeed", Severity: ERROR, Check: "checkOverspeed"},
			{RuleId: "ACC-002", Name: "message timeout", Severity: ERROR, Check: "checkMessageTimeout"},
			{RuleId: "ACC-003", Name: "emergency stop", Severity: WARN, Check: "checkEmergencyStop"},
			{RuleId: "ACC-004", Name: "signal bounds", Severity: ERROR, Check: "checkSignalBounds"},
			{RuleId: "ACC-005", Name: "frame checksum", Severity: ERROR, Check: "checkFrameChecksum"},
		},
	}
}

func (r Rule) paramFloat(key string, def float64) float64 {
	v, ok := r.Params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	return def
}

func (r Rule) paramInt(key string, def int) int {
	return int(r.paramFloat(key, float64(def)))
}

func (r Rule) paramString(key, def string) string {
	if v, ok := r.Params[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

// paramFrameID accepts JSON numbers and hex strings like "0x102".
func (r Rule) paramFrameID(key string, def uint32) uint32 {
	v, ok := r.Params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return uint32(n)
	case string:
		s := strings.TrimPrefix(strings.ToLower(n), "0x")
		if id, err := strconv.ParseUint(s, 16, 32); err == nil {
			return uint32(id)
		}
	}
	return def
}

func newViolation(ctx *Context, rule Rule, ts float64, msg string) Violation {
	return Violation{
		Ts:        time.Now().UTC(),
		File:      ctx.TraceFile,
		RuleId:    rule.RuleId,
		Severity:  rule.Severity,
		Timestamp: ts,
		Message:   msg,
	}
}

func result(rule Rule, violations []Violation) (TestResult, error) {
	return TestResult{
		RuleId:     rule.RuleId,
		Name:       rule.Name,
		Severity:   rule.Severity,
		Passed:     len(violations) == 0,
		Violations: violations,
	}, nil
}

// CheckOverspeed flags every speed sample strictly above the limit. A sample
// exactly at the limit passes.
func CheckOverspeed(ctx *Context, rule Rule) (TestResult, error) {
	signal := rule.paramString("signal", DefaultSpeedSignal)
	limit := rule.paramFloat("limit", DefaultSpeedLimit)

	var violations []Violation
	for _, s := range ctx.Set.Series(signal) {
		if s.Value > limit {
			v := newViolation(ctx, rule, s.Timestamp,
				fmt.Sprintf("%s %.2f km/h exceeds limit %.2f km/h", signal, s.Value, limit))
			v.Signal = signal
			v.FrameID = s.FrameID
			v.Channel = s.Channel
			v.Evidence = map[string]any{"value": s.Value, "limit": limit}
			violations = append(violations, v)
		}
	}
	return result(rule, violations)
}

// CheckMessageTimeout flags silent gaps between consecutive arrivals of any
// message with a declared cycle time. A message that never shows up at all
// is reported once when the trace itself is longer than the allowed gap.
func CheckMessageTimeout(ctx *Context, rule Rule) (TestResult, error) {
	maxGap := rule.paramFloat("maxGapSeconds", DefaultMaxGapSeconds)

	start, end, span := ctx.traceSpan()
	var violations []Violation
	for _, msg := range ctx.Database.Messages() {
		if msg.CycleTime <= 0 {
			continue
		}
		arrivals := ctx.Set.Arrivals(msg.ID)
		if len(arrivals) == 0 {
			if span > maxGap {
				v := newViolation(ctx, rule, start,
					fmt.Sprintf("message %s (0x%X) never seen in %.3f s of trace", msg.Name, msg.ID, span))
				v.FrameID = msg.ID
				e := end
				v.EndTimestamp = &e
				violations = append(violations, v)
			}
			continue
		}
		for i := 1; i < len(arrivals); i++ {
			gap := arrivals[i] - arrivals[i-1]
			if gap > maxGap {
				v := newViolation(ctx, rule, arrivals[i-1],
					fmt.Sprintf("message %s (0x%X) silent for %.3f s, limit %.3f s", msg.Name, msg.ID, gap, maxGap))
				v.FrameID = msg.ID
				e := arrivals[i]
				v.EndTimestamp = &e
				v.Evidence = map[string]any{"gapSeconds": gap, "maxGapSeconds": maxGap}
				violations = append(violations, v)
			}
		}
	}
	return result(rule, violations)
}

func (ctx *Context) traceSpan() (start, end, span float64) {
	first := true
	for _, msg := range ctx.Database.Messages() {
		for _, ts := range ctx.Set.Arrivals(msg.ID) {
			if first {
				start, end = ts, ts
				first = false
				continue
			}
			if ts < start {
				start = ts
			}
			if ts > end {
				end = ts
			}
		}
	}
	return start, end, end - start
}

// CheckEmergencyStop flags hard-braking events: a brake-pressure sample above
// the pressure threshold that co-occurs with a deceleration above the decel
// threshold. Deceleration is measured between consecutive speed samples, and
// co-occurrence means the decelerating interval touches the window around
// the brake sample. One violation per qualifying brake sample.
func CheckEmergencyStop(ctx *Context, rule Rule) (TestResult, error) {
	brakeSignal := rule.paramString("brakeSignal", DefaultBrakeSignal)
	speedSignal := rule.paramString("speedSignal", DefaultSpeedSignal)
	pressure := rule.paramFloat("pressureThreshold", DefaultBrakePressureThreshold)
	decelLimit := rule.paramFloat("decelThreshold", DefaultDecelThreshold)
	window := rule.paramFloat("windowSeconds", DefaultEmergencyWindow)

	speed := ctx.Set.Series(speedSignal)
	type decelInterval struct {
		start, end, rate float64
	}
	var decels []decelInterval
	for i := 1; i < len(speed); i++ {
		dt := speed[i].Timestamp - speed[i-1].Timestamp
		if dt <= 0 {
			continue
		}
		rate := (speed[i-1].Value - speed[i].Value) / dt
		if rate > decelLimit {
			decels = append(decels, decelInterval{speed[i-1].Timestamp, speed[i].Timestamp, rate})
		}
	}

	var violations []Violation
	for _, s := range ctx.Set.Series(brakeSignal) {
		if s.Value <= pressure {
			continue
		}
		lo, hi := s.Timestamp-window, s.Timestamp+window
		best := 0.0
		for _, d := range decels {
			if d.end < lo || d.start > hi {
				continue
			}
			if d.rate > best {
				best = d.rate
			}
		}
		if best > 0 {
			v := newViolation(ctx, rule, s.Timestamp,
				fmt.Sprintf("emergency stop: %s %.2f bar with deceleration %.2f km/h/s", brakeSignal, s.Value, best))
			v.Signal = brakeSignal
			v.FrameID = s.FrameID
			v.Channel = s.Channel
			v.Evidence = map[string]any{
				"brakePressure": s.Value,
				"deceleration":  best,
				"windowSeconds": window,
			}
			violations = append(violations, v)
		}
	}
	return result(rule, violations)
}

// CheckSignalBounds flags samples outside the catalog's declared physical
// range. Values exactly on a bound are in range.
func CheckSignalBounds(ctx *Context, rule Rule) (TestResult, error) {
	only := map[string]bool{}
	if v, ok := rule.Params["signals"]; ok {
		if list, ok := v.([]any); ok {
			for _, item := range list {
				if s, ok := item.(string); ok {
					only[s] = true
				}
			}
		}
	}

	var violations []Violation
	for _, name := range ctx.Set.Signals() {
		if len(only) > 0 && !only[name] {
			continue
		}
		_, sig, ok := ctx.Database.SignalMessage(name)
		if !ok {
			continue
		}
		for _, s := range ctx.Set.Series(name) {
			if !s.OutOfRange {
				continue
			}
			v := newViolation(ctx, rule, s.Timestamp,
				fmt.Sprintf("%s %.2f outside declared range [%g, %g]", name, s.Value, sig.Min, sig.Max))
			v.Signal = name
			v.FrameID = s.FrameID
			v.Channel = s.Channel
			v.Evidence = map[string]any{"value": s.Value, "min": sig.Min, "max": sig.Max}
			violations = append(violations, v)
		}
	}
	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].Timestamp < violations[j].Timestamp
	})
	return result(rule, violations)
}

// CheckFrameChecksum verifies the XOR checksum carried by one frame
// identifier: the XOR of the covered payload bytes must equal the checksum
// byte. Frames too short for the covered range count as failures.
func CheckFrameChecksum(ctx *Context, rule Rule) (TestResult, error) {
	frameID := rule.paramFrameID("frameId", DefaultChecksumFrameID)
	coverStart := rule.paramInt("coverStart", DefaultChecksumCoverStart)
	coverEnd := rule.paramInt("coverEnd", DefaultChecksumCoverEnd)
	checksumByte := rule.paramInt("checksumByte", DefaultChecksumByte)
	if coverStart < 0 || coverEnd < coverStart || checksumByte < 0 {
		return TestResult{}, fmt.Errorf("invalid checksum coverage [%d, %d) byte %d", coverStart, coverEnd, checksumByte)
	}

	var violations []Violation
	for _, frame := range ctx.Set.Frames(frameID) {
		if len(frame.Data) < coverEnd || len(frame.Data) <= checksumByte {
			v := newViolation(ctx, rule, frame.Timestamp,
				fmt.Sprintf("frame 0x%X too short for checksum coverage", frameID))
			v.FrameID = frameID
			v.Channel = frame.Channel
			violations = append(violations, v)
			continue
		}
		var sum byte
		for _, b := range frame.Data[coverStart:coverEnd] {
			sum ^= b
		}
		if sum != frame.Data[checksumByte] {
			v := newViolation(ctx, rule, frame.Timestamp,
				fmt.Sprintf("frame 0x%X checksum 0x%02X, expected 0x%02X", frameID, frame.Data[checksumByte], sum))
			v.FrameID = frameID
			v.Channel = frame.Channel
			v.Evidence = map[string]any{
				"expected": fmt.Sprintf("0x%02X", sum),
				"actual":   fmt.Sprintf("0x%02X", frame.Data[checksumByte]),
			}
			violations = append(violations, v)
		}
	}
	return result(rule, violations)
}

// Checksum computes the XOR of payload bytes in [start, end). Exposed for
// the sample generator and tests.
func Checksum(data []byte, start, end int) byte {
	var sum byte
	for _, b := range data[start:end] {
		sum ^= b
	}
	return sum
}
