package dbc

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// The loader understands the subset of the DBC grammar the pipeline needs:
// message blocks (BO_), their signal lines (SG_) and the GenMsgCycleTime
// attribute (BA_). Every other keyword is ignored.
var (
	boPattern      = regexp.MustCompile(`^BO_\s+(\d+)\s+(\w+)\s*:\s*(\d+)\s+(\S+)\s*$`)
	sgPattern      = regexp.MustCompile(`^SG_\s+(\w+)\s*(m\d+|M)?\s*:\s*(\d+)\|(\d+)@([01])([+-])\s*\(\s*([^,\s]+)\s*,\s*([^)\s]+)\s*\)\s*\[\s*([^|\s]+)\s*\|\s*([^\]\s]+)\s*\]\s*"([^"]*)"`)
	baCyclePattern = regexp.MustCompile(`^BA_\s+"GenMsgCycleTime"\s+BO_\s+(\d+)\s+(\d+)\s*;`)
)

// extendedIDFlag marks 29-bit identifiers in DBC message ids.
const extendedIDFlag = uint32(0x80000000)

const maxSignalLength = 64

// LoadFile parses the catalog at path. A missing or unreadable file is a
// fatal error: no meaningful decoding can proceed without a catalog.
func LoadFile(path string) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a DBC document and builds the frame-identifier lookup table.
// It returns a *FormatError for structural problems: bit ranges beyond the
// payload, duplicate names in one scope, or overlapping signal bit ranges
// (multiplexed signals are not supported).
func Parse(r io.Reader) (*Database, error) {
	db := &Database{
		messages: make(map[uint32]*Message),
		byName:   make(map[string]*Message),
	}
	cycleTimes := make(map[uint32]time.Duration)

	var current *Message
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			current = nil
			continue
		}
		switch {
		case strings.HasPrefix(line, "BO_ "):
			m, err := parseMessageLine(line, lineNo)
			if err != nil {
				return nil, err
			}
			if _, dup := db.messages[m.ID]; dup {
				return nil, formatErrorf(lineNo, "duplicate message id 0x%X", m.ID)
			}
			if _, dup := db.byName[m.Name]; dup {
				return nil, formatErrorf(lineNo, "duplicate message name %q", m.Name)
			}
			db.messages[m.ID] = m
			db.byName[m.Name] = m
			db.order = append(db.order, m.ID)
			current = m
		case strings.HasPrefix(line, "SG_ "):
			if current == nil {
				return nil, formatErrorf(lineNo, "signal outside a message block")
			}
			sig, err := parseSignalLine(line, lineNo)
			if err != nil {
				return nil, err
			}
			if _, dup := current.Signal(sig.Name); dup {
				return nil, formatErrorf(lineNo, "duplicate signal %q in message %q", sig.Name, current.Name)
			}
			if err := checkSignalRange(sig, current, lineNo); err != nil {
				return nil, err
			}
			current.Signals = append(current.Signals, sig)
		case strings.HasPrefix(line, "BA_ "):
			if m := baCyclePattern.FindStringSubmatch(line); m != nil {
				id, err := strconv.ParseUint(m[1], 10, 32)
				if err != nil {
					return nil, formatErrorf(lineNo, "invalid message id in cycle-time attribute: %v", err)
				}
				ms, err := strconv.Atoi(m[2])
				if err != nil || ms < 0 {
					return nil, formatErrorf(lineNo, "invalid cycle time %q", m[2])
				}
				cycleTimes[normalizeID(uint32(id))] = time.Duration(ms) * time.Millisecond
			}
		default:
			// VERSION, BU_, NS_, CM_, VAL_ and friends carry no layout
			// information the decoder needs.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for id, ct := range cycleTimes {
		if m, ok := db.messages[id]; ok {
			m.CycleTime = ct
		}
	}
	for _, id := range db.order {
		if err := checkOverlap(db.messages[id]); err != nil {
			return nil, err
		}
	}
	return db, nil
}

func parseMessageLine(line string, lineNo int) (*Message, error) {
	m := boPattern.FindStringSubmatch(line)
	if m == nil {
		return nil, formatErrorf(lineNo, "malformed message declaration %q", line)
	}
	id, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return nil, formatErrorf(lineNo, "invalid message id %q", m[1])
	}
	length, err := strconv.Atoi(m[3])
	if err != nil || length < 0 || length > 8 {
		return nil, formatErrorf(lineNo, "invalid payload length %q", m[3])
	}
	return &Message{
		ID:     normalizeID(uint32(id)),
		Name:   m[2],
		Length: length,
	}, nil
}

func parseSignalLine(line string, lineNo int) (Signal, error) {
	m := sgPattern.FindStringSubmatch(line)
	if m == nil {
		return Signal{}, formatErrorf(lineNo, "malformed signal declaration %q", line)
	}
	if m[2] != "" {
		return Signal{}, formatErrorf(lineNo, "multiplexed signal %q not supported", m[1])
	}
	start, err := strconv.Atoi(m[3])
	if err != nil {
		return Signal{}, formatErrorf(lineNo, "invalid start bit %q", m[3])
	}
	length, err := strconv.Atoi(m[4])
	if err != nil || length < 1 || length > maxSignalLength {
		return Signal{}, formatErrorf(lineNo, "invalid bit length %q", m[4])
	}
	order := BigEndian
	if m[5] == "1" {
		order = LittleEndian
	}
	scale, err := strconv.ParseFloat(m[7], 64)
	if err != nil {
		return Signal{}, formatErrorf(lineNo, "invalid scale %q", m[7])
	}
	offset, err := strconv.ParseFloat(m[8], 64)
	if err != nil {
		return Signal{}, formatErrorf(lineNo, "invalid offset %q", m[8])
	}
	min, err := strconv.ParseFloat(m[9], 64)
	if err != nil {
		return Signal{}, formatErrorf(lineNo, "invalid minimum %q", m[9])
	}
	max, err := strconv.ParseFloat(m[10], 64)
	if err != nil {
		return Signal{}, formatErrorf(lineNo, "invalid maximum %q", m[10])
	}
	if max < min {
		return Signal{}, formatErrorf(lineNo, "signal %q maximum %g below minimum %g", m[1], max, min)
	}
	return Signal{
		Name:    m[1],
		StartBit: start,
		Length:  length,
		Order:   order,
		Signed:  m[6] == "-",
		Scale:   scale,
		Offset:  offset,
		Min:     min,
		Max:     max,
		Unit:    m[11],
	}, nil
}

func checkSignalRange(sig Signal, msg *Message, lineNo int) error {
	limit := msg.Length * 8
	for _, bit := range sig.Bits() {
		if bit < 0 || bit >= limit {
			return formatErrorf(lineNo, "signal %q bit range exceeds %d-byte payload of message %q", sig.Name, msg.Length, msg.Name)
		}
	}
	return nil
}

// checkOverlap rejects messages whose signals share payload bits. Multiplexed
// layouts would legitimately overlap, but multiplexing is rejected at the
// SG_ line already, so any overlap here is a catalog defect.
func checkOverlap(msg *Message) error {
	owner := make(map[int]string, msg.Length*8)
	for _, sig := range msg.Signals {
		for _, bit := range sig.Bits() {
			if prev, taken := owner[bit]; taken {
				return formatErrorf(0, "message %q: signals %q and %q overlap at bit %d", msg.Name, prev, sig.Name, bit)
			}
			owner[bit] = sig.Name
		}
	}
	return nil
}

func normalizeID(id uint32) uint32 {
	return id &^ extendedIDFlag
}
