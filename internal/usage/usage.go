// Package usage keeps a demo-grade, in-memory log of handled queries. It is
// injected where needed rather than held as a package global, and it is
// intentionally not persisted: a restart resets it.
package usage

import (
	"sync"
	"time"
)

// Record is one handled query.
type Record struct {
	Question  string    `json:"question"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats summarizes the tracker's contents.
type Stats struct {
	Count int       `json:"count"`
	First time.Time `json:"first,omitzero"`
	Last  time.Time `json:"last,omitzero"`
}

// Tracker is an append-only query log, safe for concurrent writers.
type Tracker struct {
	mu      sync.Mutex
	records []Record
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Record appends a query to the log.
func (t *Tracker) Record(question string, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, Record{Question: question, Timestamp: ts})
}

// Stats returns the count and the first/last timestamps. Zero timestamps mean
// nothing has been recorded yet.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{Count: len(t.records)}
	if len(t.records) > 0 {
		s.First = t.records[0].Timestamp
		s.Last = t.records[len(t.records)-1].Timestamp
	}
	return s
}
