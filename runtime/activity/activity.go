// Package activity keeps the operator-facing activity log of the console.
package activity

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sink receives activity lines from components that report to the operator.
//
// Callers must guard against a nil sink; *Log already tolerates a nil receiver.
type Sink interface {
	Add(message string)
	Warn(message string)
}

// Entry is a single timestamped log line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Warning   bool      `json:"warning,omitempty"`
}

// EntryLayout is the timestamp layout of a rendered entry.
const EntryLayout = "2006-01-02 15:04:05"

// Format renders the entry as "[2006-01-02 15:04:05] message" in loc.
func (e Entry) Format(loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return fmt.Sprintf("[%s] %s", e.Timestamp.In(loc).Format(EntryLayout), e.Message)
}

func (e Entry) String() string {
	return e.Format(time.Local)
}

var _ Sink = (*Log)(nil)

// Log is an append-only, totally ordered list of entries.
type Log struct {
	mu          sync.Mutex
	entries     []Entry
	capacity    int
	logger      zerolog.Logger
	now         func() time.Time
	subscribers map[int]chan Entry
	nextSubID   int
}

// NewLog creates a log mirroring every line to logger. A capacity of zero or
// less keeps all entries.
func NewLog(logger zerolog.Logger, capacity int) *Log {
	if capacity < 0 {
		capacity = 0
	}
	return &Log{
		capacity:    capacity,
		logger:      logger.With().Str("component", "activity").Logger(),
		now:         time.Now,
		subscribers: make(map[int]chan Entry),
	}
}

// Add appends an informational line.
func (l *Log) Add(message string) {
	l.append(message, false)
}

// Addf appends a formatted informational line.
func (l *Log) Addf(format string, args ...interface{}) {
	l.append(fmt.Sprintf(format, args...), false)
}

// Warn appends a line describing a recovered failure.
func (l *Log) Warn(message string) {
	l.append(message, true)
}

func (l *Log) append(message string, warning bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	entry := Entry{Timestamp: l.now(), Message: message, Warning: warning}
	l.entries = append(l.entries, entry)
	if l.capacity > 0 && len(l.entries) > l.capacity {
		drop := len(l.entries) - l.capacity
		l.entries = append([]Entry(nil), l.entries[drop:]...)
	}
	for _, ch := range l.subscribers {
		select {
		case ch <- entry:
		default:
		}
	}
	l.mu.Unlock()

	if warning {
		l.logger.Warn().Msg(message)
		return
	}
	l.logger.Info().Msg(message)
}

// Entries returns a copy of the current entries, oldest first.
func (l *Log) Entries() []Entry {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports the number of retained entries.
func (l *Log) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear empties the log.
func (l *Log) Clear() {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// Subscribe returns a channel receiving every entry appended after the call.
// Slow subscribers miss entries instead of blocking writers. The returned
// function unsubscribes and closes the channel.
func (l *Log) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Entry, buffer)
	if l == nil {
		close(ch)
		return ch, func() {}
	}
	l.mu.Lock()
	id := l.nextSubID
	l.nextSubID++
	l.subscribers[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subscribers, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}
