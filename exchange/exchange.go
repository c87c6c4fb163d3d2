// Package exchange holds the increment-and-bounce policy shared by both
// session roles: latency tracking, reply index selection, log entry texts,
// the event log itself and the per-session serial executor.
package exchange

import (
	"fmt"
	"sync"
	"time"

	"github.com/user/blexchange/protocol"
)

// Clock returns the current time; sessions take one so tests can drive latency
type Clock func() time.Time

// DefaultSeedIndex starts the exchange loop above the indices a default burst uses
const DefaultSeedIndex int64 = 1000

// DefaultBurstCount is the number of messages a burst sends unless told otherwise
const DefaultBurstCount = 1000

// NextIndex is the central's reply: i+1, saturating at protocol.IndexMax
func NextIndex(i int64) int64 {
	if i >= protocol.IndexMax {
		return protocol.IndexMax
	}
	return i + 1
}

// EchoIndex is the peripheral's reply: the same index it received
func EchoIndex(i int64) int64 {
	return i
}

// Log entry texts
func FromScanner(i int64) string    { return fmt.Sprintf("From Scanner: %d", i) }
func FromAdvertiser(i int64) string { return fmt.Sprintf("From Advertiser: %d", i) }
func StartWith(i int64) string      { return fmt.Sprintf("Start with %d", i) }
func Failed(err error) string       { return fmt.Sprintf("failed to response: %v", err) }

// Tracker measures the time between consecutive inbound messages of one session
type Tracker struct {
	clock Clock

	mu   sync.Mutex
	last time.Time
	seen bool
}

// NewTracker creates a tracker reading time from clock (time.Now if nil)
func NewTracker(clock Clock) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{clock: clock}
}

// Observe records an inbound message now and returns the latency since the
// previous one, or nil for the first message.
func (t *Tracker) Observe() (*time.Duration, time.Time) {
	now := t.clock()

	t.mu.Lock()
	defer t.mu.Unlock()

	var latency *time.Duration
	if t.seen {
		d := now.Sub(t.last)
		latency = &d
	}
	t.last = now
	t.seen = true
	return latency, now
}

// Reset forgets the previous timestamp
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen = false
	t.last = time.Time{}
}
