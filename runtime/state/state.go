// Package state holds the last temperature reading and renders it for the
// operator.
package state

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Placeholders shown before the first reading or for unusable timestamps.
const (
	NoValue     = "— —"
	NoTimestamp = "—"
)

// TimestampLayout is the viewer-local rendering of reading timestamps.
const TimestampLayout = "2006-01-02 15:04:05"

// Reading is one complete temperature sample.
type Reading struct {
	Celsius    float64   `json:"value_c"`
	Timestamp  string    `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}

// Display is the formatted view of the store for one unit.
type Display struct {
	Value     string `json:"value"`
	Unit      string `json:"unit"`
	Timestamp string `json:"timestamp"`
	Age       string `json:"age,omitempty"`
}

// Store keeps the most recent reading. Readings are replaced as a whole so
// value and timestamp always belong to the same sample.
type Store struct {
	mu      sync.RWMutex
	reading Reading
	present bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Set replaces the current reading.
func (s *Store) Set(r Reading) {
	s.mu.Lock()
	s.reading = r
	s.present = true
	s.mu.Unlock()
}

// Current returns the last reading and whether one exists.
func (s *Store) Current() (Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reading, s.present
}

// Display formats the current reading in unit, rendering timestamps in loc.
func (s *Store) Display(unit Unit, loc *time.Location) Display {
	reading, ok := s.Current()
	out := Display{Unit: unit.Symbol()}
	if !ok {
		out.Value = NoValue
		out.Timestamp = NoTimestamp
		return out
	}
	out.Value = FormatValue(ToDisplayUnit(reading.Celsius, unit))
	out.Timestamp = FormatTimestamp(reading.Timestamp, loc)
	if !reading.ReceivedAt.IsZero() {
		out.Age = humanize.Time(reading.ReceivedAt)
	}
	return out
}

// FormatTimestamp renders an ISO-8601 timestamp in loc. Empty or malformed
// input yields NoTimestamp.
func FormatTimestamp(raw string, loc *time.Location) string {
	if raw == "" {
		return NoTimestamp
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		ts, err = time.Parse("2006-01-02T15:04:05.999999999", raw)
		if err != nil {
			return NoTimestamp
		}
	}
	if loc == nil {
		loc = time.Local
	}
	return ts.In(loc).Format(TimestampLayout)
}
