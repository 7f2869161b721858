// Package eventlog implements the structured, line-oriented event log from
// the external interface contract: every state change emits a record with
// fields {source, name, timestamp (UTC), extra}, encoded one JSON object
// per line so a filter over name/source prefix can extract a subset
// without parsing the whole file. Distinct from pkg/notifier's pub-sub
// fan-out: this is the durable, greppable trail; the notifier is the
// live subscriber contract. Grounded on the teacher's pkg/log console/JSON
// writer duality (one io.Writer, one encoding).
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/epum/pkg/ctlerr"
	"github.com/cuemby/epum/pkg/types"
)

// line is the on-disk encoding of one types.Event.
type line struct {
	Source    string         `json:"source"`
	Name      string         `json:"name"`
	Timestamp time.Time      `json:"timestamp"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Log appends newline-delimited JSON event records to an io.Writer.
type Log struct {
	mu sync.Mutex
	w  io.Writer
}

// New wraps w (typically an append-only *os.File) as an event log.
func New(w io.Writer) *Log {
	return &Log{w: w}
}

// Emit validates source and name contain no newline, stamps the current
// UTC time, and appends one JSON line. Concurrent Emit calls are
// serialised so interleaved writers never corrupt a line.
func (l *Log) Emit(source, name string, extra map[string]any) error {
	if strings.ContainsRune(source, '\n') {
		return ctlerr.New(ctlerr.ClientError, "event source must not contain newlines")
	}
	if strings.ContainsRune(name, '\n') {
		return ctlerr.New(ctlerr.ClientError, "event name must not contain newlines")
	}

	rec := line{Source: source, Name: name, Timestamp: time.Now().UTC(), Extra: extra}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// EmitEvent is a convenience wrapper taking a pre-built types.Event.
func (l *Log) EmitEvent(ev types.Event) error {
	return l.Emit(ev.Source, ev.Name, ev.Extra)
}

// Record is one parsed event-log entry.
type Record struct {
	Source    string
	Name      string
	Timestamp time.Time
	Extra     map[string]any
}

// Parse reads every line from r and decodes it into a Record, skipping
// blank lines. A malformed line aborts with an error naming its position.
func Parse(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var out []Record
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		if strings.TrimSpace(raw) == "" {
			continue
		}
		var l line
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			return nil, fmt.Errorf("parse event log line %d: %w", lineNo, err)
		}
		out = append(out, Record{Source: l.Source, Name: l.Name, Timestamp: l.Timestamp, Extra: l.Extra})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	return out, nil
}

// Filter returns the records whose Source starts with sourceFilter AND
// whose Name starts with nameFilter. Empty filters match everything.
func Filter(records []Record, sourceFilter, nameFilter string) []Record {
	var out []Record
	for _, r := range records {
		if sourceFilter != "" && !strings.HasPrefix(r.Source, sourceFilter) {
			continue
		}
		if nameFilter != "" && !strings.HasPrefix(r.Name, nameFilter) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ParseAndFilter is the convenience path behind events_from_file:
// parse r then keep only records matching both prefixes.
func ParseAndFilter(r io.Reader, sourceFilter, nameFilter string) ([]Record, error) {
	records, err := Parse(r)
	if err != nil {
		return nil, err
	}
	return Filter(records, sourceFilter, nameFilter), nil
}

// Last returns the most recently appended record, or ok=false if records
// is empty (used by the round-trip property: emit then parse().last).
func Last(records []Record) (Record, bool) {
	if len(records) == 0 {
		return Record{}, false
	}
	return records[len(records)-1], true
}
