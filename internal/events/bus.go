// Package events provides the sequenced progress-event bus shared by the
// download manager, sessions and the voice pipeline. Sequence numbers are
// strictly increasing per subject; consumers can detect dropped or reordered
// delivery by watching for gaps.
package events

import (
	"sync"
	"time"

	"runtimed/pkg/types"
)

// Bus stores recent events in a bounded buffer and provides incremental
// reads plus per-subject sequence assignment.
type Bus struct {
	mu        sync.RWMutex
	perSubj   map[string]int64
	maxEvents int
	events    []types.ProgressEvent
}

// NewBus creates a bounded in-memory event bus.
func NewBus(maxEvents int) *Bus {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &Bus{
		perSubj:   make(map[string]int64),
		maxEvents: maxEvents,
		events:    make([]types.ProgressEvent, 0, maxEvents),
	}
}

// Publish appends one event, assigning its per-subject sequence number and a
// timestamp if unset. Returns the event as stored.
func (b *Bus) Publish(e types.ProgressEvent) types.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.perSubj[e.Subject]++
	e.Seq = b.perSubj[e.Subject]
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, e)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]types.ProgressEvent(nil), b.events[trim:]...)
	}
	return e
}

// Since returns buffered events for a subject with sequence strictly greater
// than seq. An empty subject returns events across all subjects; in that case
// seq filters per subject.
func (b *Bus) Since(subject string, seq int64) []types.ProgressEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}
	out := make([]types.ProgressEvent, 0, len(b.events))
	for _, e := range b.events {
		if subject != "" && e.Subject != subject {
			continue
		}
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// LastSeq returns the last sequence number assigned for a subject.
func (b *Bus) LastSeq(subject string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.perSubj[subject]
}
