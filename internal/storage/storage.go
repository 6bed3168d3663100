// Package storage defines the registry of attached overlays. Each API session
// owns one overlay for the lifetime between attach and detach; nothing is
// persisted across process restarts.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/commons-photos/internal/overlay"
	rendermem "github.com/JakeFAU/commons-photos/internal/render/memory"
)

// Registry errors.
var (
	ErrOverlayNotFound = errors.New("overlay not found")
	ErrOverlayExists   = errors.New("overlay already exists")
	ErrCapacity        = errors.New("overlay capacity reached")
)

// Session is one attached overlay together with the layer it renders into
// and the viewport the remote map pushes.
type Session struct {
	ID       string
	Overlay  *overlay.Overlay
	Layer    *rendermem.ClusterLayer
	Viewport *overlay.MutableViewport
	Created  time.Time
	// LastSeen is the last time the remote map touched the session.
	LastSeen time.Time
}

// OverlayStore keeps sessions by ID.
type OverlayStore interface {
	Create(ctx context.Context, session Session) error
	Get(ctx context.Context, id string) (Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) (Session, error)
	// Expire removes and returns every session last seen before cutoff.
	Expire(ctx context.Context, cutoff time.Time) []Session
	// Drain removes and returns every session.
	Drain(ctx context.Context) []Session
	Len() int
}
