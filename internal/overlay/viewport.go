package overlay

import (
	"sync"

	"github.com/paulmach/orb"
)

// MutableViewport is a Viewport whose state is pushed by a remote map, for
// hosts that receive viewport events over the network.
type MutableViewport struct {
	mu     sync.RWMutex
	zoom   int
	origin orb.Point
	bounds orb.Bound
}

// NewMutableViewport returns a viewport initialized to the given state.
func NewMutableViewport(zoom int, origin orb.Point, bounds orb.Bound) *MutableViewport {
	return &MutableViewport{zoom: zoom, origin: origin, bounds: bounds}
}

// Set replaces the viewport state.
func (v *MutableViewport) Set(zoom int, origin orb.Point, bounds orb.Bound) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.zoom = zoom
	v.origin = origin
	v.bounds = bounds
}

// Zoom implements Viewport.
func (v *MutableViewport) Zoom() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.zoom
}

// PixelOrigin implements Viewport.
func (v *MutableViewport) PixelOrigin() orb.Point {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.origin
}

// Bounds implements Viewport.
func (v *MutableViewport) Bounds() orb.Bound {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.bounds
}
