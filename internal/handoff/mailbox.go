// Package handoff moves completed frames from the network goroutine to the
// output goroutine through a single overwrite-on-write slot.
package handoff

import (
	"sync"
	"time"
)

// Frame is one completed pixel buffer. Pixels must not be modified after Publish.
type Frame struct {
	Pixels []byte
	Seq    uint64
	At     time.Time
}

// Stats are lifetime counters for the mailbox.
type Stats struct {
	Published uint64
	Taken     uint64
	Dropped   uint64
}

// Mailbox holds at most one pending frame. Publishing over an unconsumed frame
// drops it; the consumer always sees the most recent complete frame.
type Mailbox struct {
	mu      sync.Mutex
	pending *Frame
	seq     uint64
	stats   Stats
	onDrop  func()
}

func New() *Mailbox { return &Mailbox{} }

// OnDrop registers a hook called, under the mailbox lock, each time a pending
// frame is overwritten.
func (m *Mailbox) OnDrop(f func()) {
	m.mu.Lock()
	m.onDrop = f
	m.mu.Unlock()
}

// Publish stores pixels as the pending frame. It never blocks on the consumer.
func (m *Mailbox) Publish(pixels []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending != nil {
		m.stats.Dropped++
		if m.onDrop != nil {
			m.onDrop()
		}
	}
	m.seq++
	m.stats.Published++
	m.pending = &Frame{Pixels: pixels, Seq: m.seq, At: time.Now()}
}

// TakeLatest returns and clears the pending frame, if any.
func (m *Mailbox) TakeLatest() (Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil {
		return Frame{}, false
	}
	f := *m.pending
	m.pending = nil
	m.stats.Taken++
	return f, true
}

func (m *Mailbox) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
