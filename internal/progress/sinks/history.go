package sinks

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/commons-photos/internal/progress"
)

// DefaultHistoryDepth bounds how many events are kept per overlay.
const DefaultHistoryDepth = 32

// HistorySink keeps the most recent events of every live overlay in memory so
// the API can show a session's query history. A detach event drops the
// overlay's history.
type HistorySink struct {
	depth int

	mu      sync.RWMutex
	history map[uuid.UUID][]progress.Event
}

// NewHistorySink builds a HistorySink keeping depth events per overlay.
func NewHistorySink(depth int) *HistorySink {
	if depth <= 0 {
		depth = DefaultHistoryDepth
	}
	return &HistorySink{depth: depth, history: make(map[uuid.UUID][]progress.Event)}
}

// Consume adds the batch to each overlay's ring, ordered by timestamp.
// Query completions can be emitted before the attach that triggered them, so
// events are inserted by TS rather than appended.
func (s *HistorySink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		id := evt.OverlayUUID()
		if evt.Stage == progress.StageDetach {
			delete(s.history, id)
			continue
		}
		events := insertByTime(s.history[id], evt)
		if over := len(events) - s.depth; over > 0 {
			events = append(events[:0:0], events[over:]...)
		}
		s.history[id] = events
	}
	return nil
}

func insertByTime(events []progress.Event, evt progress.Event) []progress.Event {
	i := len(events)
	for i > 0 && events[i-1].TS.After(evt.TS) {
		i--
	}
	events = append(events, progress.Event{})
	copy(events[i+1:], events[i:])
	events[i] = evt
	return events
}

// Recent returns a copy of the retained events for id, oldest first.
func (s *HistorySink) Recent(id uuid.UUID) []progress.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]progress.Event(nil), s.history[id]...)
}

// Len reports how many overlays currently have history.
func (s *HistorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// Close drops all retained history.
func (s *HistorySink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = make(map[uuid.UUID][]progress.Event)
	return nil
}
