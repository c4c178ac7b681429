package audit

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// DefaultLocalLogLimit bounds how many proxy events LocalLog keeps
// in memory, mirroring the teacher's bounded in-memory event ring.
const DefaultLocalLogLimit = 10000

// ProxyEvent is a best-effort, non-blocking record of a front-end
// byte-shuffling event (periodic counters, channel open/close) — too
// frequent to justify a synchronous DB write (spec.md §4.9).
type ProxyEvent struct {
	StayID    string    `json:"stay_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LocalLog is the best-effort half of the Audit Sink: an in-memory ring
// of recent proxy events, also emitted as JSON lines via the standard
// logger. A full LocalLog never blocks a caller and never errors.
type LocalLog struct {
	mu     sync.Mutex
	events []ProxyEvent
	limit  int
	now    func() time.Time
}

// NewLocalLog constructs a LocalLog with the given in-memory limit.
func NewLocalLog(limit int) *LocalLog {
	return NewLocalLogWithClock(limit, time.Now)
}

// NewLocalLogWithClock is NewLocalLog with an injectable clock.
func NewLocalLogWithClock(limit int, now func() time.Time) *LocalLog {
	if limit <= 0 {
		limit = DefaultLocalLogLimit
	}
	return &LocalLog{events: make([]ProxyEvent, 0, limit), limit: limit, now: now}
}

// Record appends a proxy event. It never blocks the caller beyond a
// brief mutex hold and never returns an error.
func (l *LocalLog) Record(stayID, kind, detail string) {
	event := ProxyEvent{StayID: stayID, Kind: kind, Detail: detail, Timestamp: l.now()}

	if data, err := json.Marshal(event); err == nil {
		log.Println(string(data))
	}

	l.mu.Lock()
	l.events = append(l.events, event)
	if len(l.events) > l.limit {
		l.events = l.events[len(l.events)-l.limit:]
	}
	l.mu.Unlock()
}

// RecordAsync is Record run on its own goroutine, for call sites on a
// hot byte-shuffling path that must never wait on the log mutex.
func (l *LocalLog) RecordAsync(stayID, kind, detail string) {
	go l.Record(stayID, kind, detail)
}

// Recent returns the most recently recorded events, newest last.
func (l *LocalLog) Recent(limit int) []ProxyEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > len(l.events) {
		limit = len(l.events)
	}
	start := len(l.events) - limit
	out := make([]ProxyEvent, limit)
	copy(out, l.events[start:])
	return out
}
