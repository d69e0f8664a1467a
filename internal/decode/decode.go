package decode

import (
	"fmt"
	"math"

	"example.com/accgate/internal/asc"
	"example.com/accgate/internal/dbc"
)

// Sample is one physical value recovered from one frame.
type Sample struct {
	Timestamp  float64
	Signal     string
	Value      float64
	OutOfRange bool
	FrameID    uint32
	Channel    int
}

// RawValue extracts the unscaled integer for one signal from a payload.
// Signed signals are sign-extended from their declared width.
func RawValue(sig dbc.Signal, data []byte) (int64, error) {
	var raw uint64
	for k, bit := range sig.Bits() {
		byteIdx := bit / 8
		if byteIdx >= len(data) {
			return 0, fmt.Errorf("decode: signal %q needs byte %d of a %d-byte payload", sig.Name, byteIdx, len(data))
		}
		if data[byteIdx]&(1<<(bit%8)) != 0 {
			raw |= 1 << k
		}
	}
	if sig.Signed && sig.Length < 64 && raw&(1<<(sig.Length-1)) != 0 {
		raw |= ^uint64(0) << sig.Length
	}
	return int64(raw), nil
}

// PackRaw writes the unscaled integer for one signal into a payload. It is
// the inverse of RawValue and exists so tests and sample generators can
// assemble frames from physical values.
func PackRaw(sig dbc.Signal, data []byte, raw int64) error {
	v := uint64(raw)
	for k, bit := range sig.Bits() {
		byteIdx := bit / 8
		if byteIdx >= len(data) {
			return fmt.Errorf("decode: signal %q needs byte %d of a %d-byte payload", sig.Name, byteIdx, len(data))
		}
		mask := byte(1 << (bit % 8))
		if v&(1<<k) != 0 {
			data[byteIdx] |= mask
		} else {
			data[byteIdx] &^= mask
		}
	}
	return nil
}

// Physical applies the catalog scale and offset to a raw integer.
func Physical(sig dbc.Signal, raw int64) float64 {
	return float64(raw)*sig.Scale + sig.Offset
}

// PackPhysical converts a physical value back to its raw integer, rounding
// to the nearest representable step, and writes it into the payload.
func PackPhysical(sig dbc.Signal, data []byte, value float64) error {
	if sig.Scale == 0 {
		return fmt.Errorf("decode: signal %q has zero scale", sig.Name)
	}
	raw := int64(math.Round((value - sig.Offset) / sig.Scale))
	return PackRaw(sig, data, raw)
}

// DecodeFrame turns one frame into samples, one per signal of its catalog
// definition. A frame whose identifier the catalog does not know yields no
// samples and no error: foreign traffic on the bus is expected. The same
// payload always decodes to the same samples.
func DecodeFrame(db *dbc.Database, frame asc.Frame) ([]Sample, error) {
	msg, ok := db.Message(frame.ID)
	if !ok {
		return nil, nil
	}
	samples := make([]Sample, 0, len(msg.Signals))
	for _, sig := range msg.Signals {
		raw, err := RawValue(sig, frame.Data)
		if err != nil {
			return nil, err
		}
		value := Physical(sig, raw)
		samples = append(samples, Sample{
			Timestamp:  frame.Timestamp,
			Signal:     sig.Name,
			Value:      value,
			OutOfRange: value < sig.Min || value > sig.Max,
			FrameID:    frame.ID,
			Channel:    frame.Channel,
		})
	}
	return samples, nil
}
