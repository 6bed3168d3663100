// Package memory keeps rendered photos in memory. It stands in for a marker
// clustering layer when the overlay runs headless behind the HTTP API.
package memory

import (
	"sync"

	"github.com/JakeFAU/commons-photos/internal/overlay"
)

// ClusterOptions are passed through to the clustering front-end untouched.
type ClusterOptions struct {
	MaxClusterRadius           int     `json:"max_cluster_radius"`
	ShowCoverageOnHover        bool    `json:"show_coverage_on_hover"`
	SpiderfyDistanceMultiplier float64 `json:"spiderfy_distance_multiplier"`
	ImageClickClosesPopup      bool    `json:"image_click_closes_popup"`
	PopupMinWidth              int     `json:"popup_min_width"`
}

// DefaultClusterOptions returns the stock clustering options for an image size.
func DefaultClusterOptions(imageSize int) ClusterOptions {
	return ClusterOptions{
		MaxClusterRadius:           50,
		ShowCoverageOnHover:        true,
		SpiderfyDistanceMultiplier: 2,
		ImageClickClosesPopup:      true,
		PopupMinWidth:              imageSize - 1,
	}
}

// ClusterLayer records photos in insertion order and tracks whether
// unspiderfying is currently suspended.
type ClusterLayer struct {
	mu        sync.RWMutex
	opts      ClusterOptions
	photos    []overlay.Photo
	suspended int
	batches   int
}

// NewClusterLayer creates an empty layer.
func NewClusterLayer(opts ClusterOptions) *ClusterLayer {
	return &ClusterLayer{opts: opts}
}

// Add appends photos to the layer.
func (l *ClusterLayer) Add(photos []overlay.Photo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.photos = append(l.photos, photos...)
	l.batches++
}

// SuspendUnspiderfy marks the layer as suspended until release is called.
// Release is idempotent.
func (l *ClusterLayer) SuspendUnspiderfy() func() {
	l.mu.Lock()
	l.suspended++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.suspended--
			l.mu.Unlock()
		})
	}
}

// Clear removes every photo.
func (l *ClusterLayer) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.photos = nil
	l.batches = 0
}

// Photos returns a copy of the rendered photos.
func (l *ClusterLayer) Photos() []overlay.Photo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]overlay.Photo, len(l.photos))
	copy(out, l.photos)
	return out
}

// Len returns the number of rendered photos.
func (l *ClusterLayer) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.photos)
}

// Batches returns how many Add calls reached the layer since the last Clear.
func (l *ClusterLayer) Batches() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.batches
}

// Suspended reports whether unspiderfying is currently suspended.
func (l *ClusterLayer) Suspended() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.suspended > 0
}

// Options returns the pass-through clustering options.
func (l *ClusterLayer) Options() ClusterOptions {
	return l.opts
}
