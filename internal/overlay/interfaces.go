package overlay

import (
	"context"
	"time"

	"github.com/paulmach/orb"
)

// Viewport exposes the host map's current view.
type Viewport interface {
	Zoom() int
	// PixelOrigin is the top-left corner of the viewport in projected pixels.
	PixelOrigin() orb.Point
	// Bounds is the visible geographic area (lon/lat).
	Bounds() orb.Bound
}

// Searcher runs a geosearch query. Implementations must abort when ctx is
// canceled and report that with an error wrapping ErrCanceled.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]GeoRow, error)
}

// QueryObserver is told how each geosearch query ended. QueryFinished runs
// while the controller lock is held and must not block.
type QueryObserver interface {
	QueryFinished(report QueryReport)
}

// Renderer is the clustering layer that displays photos.
type Renderer interface {
	Add(photos []Photo)
	// SuspendUnspiderfy stops the renderer from collapsing expanded clusters
	// until release is called.
	SuspendUnspiderfy() (release func())
	Clear()
}

// BatchRenderer is implemented by renderers that merge a batch without
// disturbing expanded clusters on their own.
type BatchRenderer interface {
	AddBatch(photos []Photo)
}

// ShardHasher derives the storage shard for a filename.
type ShardHasher interface {
	ShardKey(name string) string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
