package dbc

import (
	"fmt"
	"time"
)

// ByteOrder selects the bit ordering used to extract a signal from a frame
// payload. The values match the DBC byte-order flag.
type ByteOrder uint8

const (
	// BigEndian is Motorola ordering (DBC flag 0): the start bit names the
	// most significant bit and the walk crosses bytes in the sawtooth
	// pattern.
	BigEndian ByteOrder = iota
	// LittleEndian is Intel ordering (DBC flag 1): the start bit names the
	// least significant bit and bits ascend contiguously.
	LittleEndian
)

// Signal describes one physical quantity packed into a message payload.
type Signal struct {
	Name     string
	StartBit int
	Length   int
	Order    ByteOrder
	Signed   bool
	Scale    float64
	Offset   float64
	Min      float64
	Max      float64
	Unit     string
}

// Bits returns the absolute payload bit positions covered by the signal in
// ascending weight order: index 0 is the least significant raw bit. Bit n of
// the payload is bit n%8 of byte n/8, LSB first within a byte.
func (s Signal) Bits() []int {
	bits := make([]int, s.Length)
	switch s.Order {
	case LittleEndian:
		for k := 0; k < s.Length; k++ {
			bits[k] = s.StartBit + k
		}
	case BigEndian:
		pos := s.StartBit
		for k := s.Length - 1; k >= 0; k-- {
			bits[k] = pos
			if pos%8 == 0 {
				pos += 15
			} else {
				pos--
			}
		}
	}
	return bits
}

// Message describes one frame identifier: its payload layout and cadence.
type Message struct {
	ID        uint32
	Name      string
	Length    int
	CycleTime time.Duration
	Signals   []Signal
}

// Signal returns the named signal definition, if the message carries it.
func (m *Message) Signal(name string) (Signal, bool) {
	if m == nil {
		return Signal{}, false
	}
	for _, s := range m.Signals {
		if s.Name == name {
			return s, true
		}
	}
	return Signal{}, false
}

// Database is the immutable frame-identifier lookup table built once by the
// loader and shared read-only for the rest of the run.
type Database struct {
	messages map[uint32]*Message
	byName   map[string]*Message
	order    []uint32
}

// Message returns the definition for a frame identifier.
func (db *Database) Message(id uint32) (*Message, bool) {
	if db == nil {
		return nil, false
	}
	m, ok := db.messages[id]
	return m, ok
}

// MessageByName returns the definition with the given message name.
func (db *Database) MessageByName(name string) (*Message, bool) {
	if db == nil {
		return nil, false
	}
	m, ok := db.byName[name]
	return m, ok
}

// Messages returns all definitions in declaration order.
func (db *Database) Messages() []*Message {
	if db == nil {
		return nil
	}
	out := make([]*Message, 0, len(db.order))
	for _, id := range db.order {
		out = append(out, db.messages[id])
	}
	return out
}

// SignalMessage returns the message owning the named signal. Signal names are
// unique per message, not globally; the first declaration wins.
func (db *Database) SignalMessage(signal string) (*Message, Signal, bool) {
	if db == nil {
		return nil, Signal{}, false
	}
	for _, id := range db.order {
		m := db.messages[id]
		if s, ok := m.Signal(signal); ok {
			return m, s, true
		}
	}
	return nil, Signal{}, false
}

// Len returns the number of message definitions.
func (db *Database) Len() int {
	if db == nil {
		return 0
	}
	return len(db.messages)
}

// FormatError reports a structurally invalid catalog. It is fatal: no
// decoding proceeds on a catalog that failed to load.
type FormatError struct {
	Line int
	Msg  string
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("dbc: line %d: %s", e.Line, e.Msg)
	}
	return "dbc: " + e.Msg
}

func formatErrorf(line int, format string, args ...interface{}) *FormatError {
	return &FormatError{Line: line, Msg: fmt.Sprintf(format, args...)}
}
