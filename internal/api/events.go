package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/commons-photos/internal/overlay"
	"github.com/JakeFAU/commons-photos/internal/progress"
)

// EventHistory exposes the retained events of an overlay.
type EventHistory interface {
	Recent(id uuid.UUID) []progress.Event
}

// overlayEventSpace namespaces event IDs derived from non-UUID overlay IDs.
var overlayEventSpace = uuid.MustParse("6f1d2c3e-8a4b-5c6d-9e7f-0a1b2c3d4e5f")

// eventID maps an overlay ID onto the UUID carried by progress events.
func eventID(id string) uuid.UUID {
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed
	}
	return uuid.NewSHA1(overlayEventSpace, []byte(id))
}

type nopEmitter struct{}

func (nopEmitter) Emit(progress.Event) {}

// sessionObserver turns controller reports into query events.
type sessionObserver struct {
	id     [16]byte
	events progress.Emitter
	clock  overlay.Clock
}

func (o sessionObserver) QueryFinished(r overlay.QueryReport) {
	evt := progress.Event{
		OverlayID: o.id,
		TS:        o.clock.Now(),
		Stage:     progress.StageQueryDone,
		Outcome:   progress.Outcome(r.Outcome),
		BBox:      overlay.FormatBBox(r.Bounds),
		Rows:      r.Rows,
		Added:     r.Added,
		Dur:       max(r.Elapsed, 0),
	}
	if r.Outcome == overlay.StateFailed && r.Err != nil {
		evt.Note = r.Err.Error()
	}
	o.events.Emit(evt)
}

func (s *Server) emit(id string, stage progress.Stage, zoom int, fetching bool, dur time.Duration) {
	s.events.Emit(progress.Event{
		OverlayID: progress.UUIDToBytes(eventID(id)),
		TS:        s.clock.Now(),
		Stage:     stage,
		Zoom:      zoom,
		Fetching:  fetching,
		Dur:       max(dur, 0),
	})
}

type eventsResponse struct {
	OverlayID string           `json:"overlay_id"`
	Events    []progress.Event `json:"events"`
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	session, ok := s.lookup(w, r)
	if !ok {
		return
	}
	events := []progress.Event{}
	if s.history != nil {
		if recent := s.history.Recent(eventID(session.ID)); len(recent) > 0 {
			events = recent
		}
	}
	writeJSON(w, http.StatusOK, eventsResponse{OverlayID: session.ID, Events: events})
}
