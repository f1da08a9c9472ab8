package events

import (
	"context"
	"maps"
	"sync"

	"github.com/reglet-dev/latticed/internal/application/ports"
)

// Record is one captured event.
type Record struct {
	Type string
	Data map[string]any
}

// Recorder captures events in memory and exposes snapshots.
type Recorder struct {
	mu      sync.RWMutex
	records []Record
}

var _ ports.EventPublisher = (*Recorder)(nil)

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish stores a copy of the event.
func (r *Recorder) Publish(ctx context.Context, eventType string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, Record{Type: eventType, Data: maps.Clone(data)})
	return nil
}

// Records returns every captured event in publish order.
func (r *Recorder) Records() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Record(nil), r.records...)
}

// Types returns the captured event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Type
	}
	return out
}

// Count returns how many events of eventType were captured.
func (r *Recorder) Count(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.records {
		if rec.Type == eventType {
			n++
		}
	}
	return n
}

// Last returns the most recent event of eventType.
func (r *Recorder) Last(eventType string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].Type == eventType {
			return r.records[i], true
		}
	}
	return Record{}, false
}
