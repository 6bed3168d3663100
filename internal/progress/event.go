// Package progress defines the event structures emitted by overlay sessions.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageAttach    Stage = "OVERLAY_ATTACH"
	StageViewport  Stage = "VIEWPORT_CHANGE"
	StageQueryDone Stage = "QUERY_DONE"
	StageDetach    Stage = "OVERLAY_DETACH"
)

// Outcome mirrors how a geosearch query ended.
type Outcome string

// Query outcomes carried by StageQueryDone events.
const (
	OutcomeFulfilled Outcome = "fulfilled"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Event captures a single milestone of an overlay session.
type Event struct {
	// OverlayID identifies the session using the 16-byte UUID form.
	OverlayID [16]byte `json:"-"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which lifecycle or query milestone occurred.
	Stage Stage `json:"stage"`
	// Zoom is the map zoom at attach or viewport change.
	Zoom int `json:"zoom,omitempty"`
	// Fetching reports whether an attach or viewport change issued a query.
	Fetching bool `json:"fetching,omitempty"`
	// Outcome is set on query completions.
	Outcome Outcome `json:"outcome,omitempty"`
	// BBox is the queried box in gsbbox order.
	BBox string `json:"bbox,omitempty"`
	// Rows is the number of geosearch rows returned.
	Rows int `json:"rows,omitempty"`
	// Added counts the photos that were new to the overlay.
	Added int `json:"added,omitempty"`
	// Dur is the query latency, or the session lifetime on detach.
	Dur time.Duration `json:"duration_ns,omitempty"`
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.OverlayID == [16]byte{} {
		return errors.New("overlay id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageAttach, StageViewport, StageDetach:
	case StageQueryDone:
		switch e.Outcome {
		case OutcomeFulfilled, OutcomeCancelled, OutcomeFailed:
		case "":
			return errors.New("query done requires outcome")
		default:
			return fmt.Errorf("unknown outcome %q", e.Outcome)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Rows < 0 || e.Added < 0 {
		return errors.New("row counts must be >= 0")
	}
	if e.Added > e.Rows {
		return errors.New("added cannot exceed rows")
	}
	return nil
}

// OverlayUUID converts the binary overlay ID to uuid.UUID.
func (e Event) OverlayUUID() uuid.UUID {
	return uuid.UUID(e.OverlayID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
