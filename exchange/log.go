package exchange

import (
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/user/blexchange/logger"
)

// Entry is one human-readable line of the exchange log
type Entry struct {
	Text    string
	Latency *time.Duration // nil when there was no previous inbound message
	Time    time.Time
}

// LatencyString renders the latency in milliseconds, or "" when absent
func (e Entry) LatencyString() string {
	if e.Latency == nil {
		return ""
	}
	return fmt.Sprintf("%.3fms", float64(*e.Latency)/float64(time.Millisecond))
}

// Proto converts the entry into a generic protobuf struct for structured output
func (e Entry) Proto() *structpb.Struct {
	fields := map[string]interface{}{
		"text": e.Text,
	}
	if !e.Time.IsZero() {
		fields["time"] = e.Time.Format(time.RFC3339Nano)
	}
	if e.Latency != nil {
		fields["latency_ms"] = float64(*e.Latency) / float64(time.Millisecond)
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		// Only strings and float64 go in, which NewStruct always accepts
		return &structpb.Struct{}
	}
	return s
}

// Log is the ordered sequence of exchange events a UI displays.
// Appends come from the owning session; reads may happen from anywhere.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	limit    int
	prefix   string
	listener func(Entry)
}

// LogOption configures a Log
type LogOption func(*Log)

// WithLimit keeps at most n entries, dropping the oldest first. n <= 0 means unbounded.
func WithLimit(n int) LogOption {
	return func(l *Log) {
		l.limit = n
	}
}

// WithListener registers fn to be called after every append
func WithListener(fn func(Entry)) LogOption {
	return func(l *Log) {
		l.listener = fn
	}
}

// WithPrefix sets the logger prefix used when tracing entries
func WithPrefix(prefix string) LogOption {
	return func(l *Log) {
		l.prefix = prefix
	}
}

// NewLog creates an empty log
func NewLog(opts ...LogOption) *Log {
	l := &Log{prefix: "exchange"}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append adds an entry to the end of the log
func (l *Log) Append(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	if l.limit > 0 && len(l.entries) > l.limit {
		drop := len(l.entries) - l.limit
		l.entries = append(l.entries[:0:0], l.entries[drop:]...)
	}
	listener := l.listener
	l.mu.Unlock()

	if logger.GetLevel() <= logger.DEBUG {
		logger.DebugJSON(l.prefix, "📝 log entry", e.Proto())
	}

	if listener != nil {
		listener(e)
	}
}

// Entries returns a copy of the current entries
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Clear removes every entry
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}
