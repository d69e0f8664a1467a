package asc

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"example.com/accgate/internal/common"
)

// Frame is one bus frame recovered from a trace line. Frames are immutable
// once parsed.
type Frame struct {
	Timestamp float64
	Channel   int
	ID        uint32
	DLC       int
	Data      []byte
}

// Data lines look like:
//
//	0.010000 1  100             Tx   d 8 E8 03 01 00 00 00 00 00
//
// Extended identifiers carry a trailing "x" after the hex id. Anything that
// does not match (headers, comments, event lines) is skipped.
var linePattern = regexp.MustCompile(`^(\d+\.?\d*)\s+(\d+)\s+([0-9A-Fa-f]+)x?\s+(?:Tx|Rx)\s+d\s+(\d+)((?:\s+[0-9A-Fa-f]{2})*)\s*$`)

const maxDLC = 8

// Reader streams frames out of an ASC trace. It is forward-only and not
// restartable; reopen the source to iterate again. Lines outside the grammar
// are skipped and counted, never fatal, so one corrupt line cannot abort
// validation of an otherwise valid trace.
type Reader struct {
	scanner  *bufio.Scanner
	closer   io.Closer
	line     int
	skipped  int
	lastSeen map[int]float64

	metrics   *common.Metrics
	totalSize int64
}

// Open prepares a streaming reader over the trace at path. A missing or
// unreadable trace is a fatal error.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := NewReader(f)
	r.closer = f
	if info, err := f.Stat(); err == nil {
		r.totalSize = info.Size()
	}
	return r, nil
}

// NewReader wraps an already-open source.
func NewReader(src io.Reader) *Reader {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Reader{
		scanner:  scanner,
		lastSeen: make(map[int]float64),
	}
}

// SetMetrics attaches a metrics recorder to the reader.
func (r *Reader) SetMetrics(m *common.Metrics) {
	r.metrics = m
	if m != nil && r.totalSize > 0 {
		m.SetTotalBytes(r.totalSize)
	}
}

// Skipped reports how many lines were rejected so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Close releases the underlying file handle, if the reader owns one.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// Next advances to the next well-formed frame. It returns io.EOF when the
// trace is exhausted. Timestamps never decrease within a channel: a line
// that would violate that is treated as malformed and skipped.
func (r *Reader) Next() (Frame, error) {
	for r.scanner.Scan() {
		r.line++
		text := r.scanner.Text()
		frame, ok := parseLine(text)
		if !ok {
			r.skip(text, "does not match frame grammar")
			continue
		}
		if last, seen := r.lastSeen[frame.Channel]; seen && frame.Timestamp < last {
			r.skip(text, "timestamp decreases within channel")
			continue
		}
		r.lastSeen[frame.Channel] = frame.Timestamp
		if r.metrics != nil {
			r.metrics.AddFrame(int64(len(text)) + 1)
		}
		return frame, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

func (r *Reader) skip(text, reason string) {
	r.skipped++
	if r.metrics != nil {
		r.metrics.IncSkipped()
		r.metrics.AddBytes(int64(len(text)) + 1)
	}
	// Header and comment lines are expected; only log lines that look like
	// they were meant to be frames.
	if looksLikeFrame(text) {
		common.Logf("trace line %d skipped: %s", r.line, reason)
	}
}

func looksLikeFrame(text string) bool {
	fields := strings.Fields(text)
	if len(fields) < 4 {
		return false
	}
	if _, err := strconv.ParseFloat(fields[0], 64); err != nil {
		return false
	}
	return true
}

func parseLine(text string) (Frame, bool) {
	m := linePattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return Frame{}, false
	}
	ts, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Frame{}, false
	}
	channel, err := strconv.Atoi(m[2])
	if err != nil {
		return Frame{}, false
	}
	id, err := strconv.ParseUint(m[3], 16, 32)
	if err != nil {
		return Frame{}, false
	}
	dlc, err := strconv.Atoi(m[4])
	if err != nil || dlc < 0 || dlc > maxDLC {
		return Frame{}, false
	}
	bytesHex := strings.Fields(m[5])
	// A declared data-length code that disagrees with the bytes actually
	// present makes the line malformed.
	if len(bytesHex) != dlc {
		return Frame{}, false
	}
	data := make([]byte, dlc)
	for i, h := range bytesHex {
		v, err := strconv.ParseUint(h, 16, 8)
		if err != nil {
			return Frame{}, false
		}
		data[i] = byte(v)
	}
	return Frame{
		Timestamp: ts,
		Channel:   channel,
		ID:        uint32(id),
		DLC:       dlc,
		Data:      data,
	}, true
}

// ReadAll drains the trace at path into memory. The streaming Reader is
// preferred for large traces; this is a convenience for tests and small
// inputs.
func ReadAll(path string) ([]Frame, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var frames []Frame
	for {
		f, err := r.Next()
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
}
