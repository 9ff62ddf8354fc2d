// Package diagnostics carries structured, human-oriented events from the node
// to whoever is watching (log, websocket clients).
package diagnostics

import (
	"sync"
	"time"
)

type Severity string

const (
	Info Severity = "info"
	Warn Severity = "warning"
	Err  Severity = "error"
)

// Event codes emitted by the node.
const (
	LinkUp          = "LINK.UP"
	LinkDown        = "LINK.DOWN"
	HelloBroadcast  = "HELLO.BROADCAST"
	HelloReply      = "HELLO.REPLY"
	LivenessTimeout = "LIVENESS.TIMEOUT"
	TransportError  = "TRANSPORT.ERROR"
	FirmwareStart   = "FIRMWARE.START"
	FirmwareDone    = "FIRMWARE.DONE"
	FirmwareFailed  = "FIRMWARE.FAILED"
	TestDone        = "TEST.DONE"
)

type Diagnostic struct {
	Severity       Severity       `json:"severity"`
	Code           string         `json:"code"`
	Summary        string         `json:"summary"`
	Detail         string         `json:"detail,omitempty"`
	LikelyCauses   []string       `json:"likely_causes,omitempty"`
	SuggestedFixes []string       `json:"suggested_fixes,omitempty"`
	Evidence       map[string]any `json:"evidence,omitempty"`
	At             time.Time      `json:"at"`
}

// Log keeps the most recent diagnostics for late joiners.
type Log struct {
	mu    sync.Mutex
	items []Diagnostic
	limit int
}

func NewLog(limit int) *Log {
	if limit <= 0 {
		limit = 64
	}
	return &Log{limit: limit}
}

func (l *Log) Add(d Diagnostic) {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, d)
	if over := len(l.items) - l.limit; over > 0 {
		l.items = append(l.items[:0], l.items[over:]...)
	}
}

// Recent returns a copy, oldest first.
func (l *Log) Recent() []Diagnostic {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Diagnostic(nil), l.items...)
}
