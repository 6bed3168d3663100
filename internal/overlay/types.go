package overlay

import (
	"errors"
	"time"

	"github.com/paulmach/orb"
)

// ErrCanceled is returned by Searcher implementations when a query was aborted
// through its context. The controller treats it like any other silent failure.
var ErrCanceled = errors.New("geosearch canceled")

// GeoRow is a raw geosearch result row.
type GeoRow struct {
	PageID    int64   `json:"pageid"`
	Namespace int     `json:"ns"`
	Title     string  `json:"title"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Dist      float64 `json:"dist"`
	// Primary is present (as an empty string) only on a page's primary
	// coordinate; secondary coordinates omit it.
	Primary *string `json:"primary,omitempty"`
}

// IsPrimary reports whether the row is the page's primary coordinate.
func (r GeoRow) IsPrimary() bool {
	return r.Primary != nil
}

// Photo is a GeoRow enriched with storage URLs, ready for rendering.
type Photo struct {
	PageID    int64   `json:"page_id"`
	Title     string  `json:"title"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Thumbnail string  `json:"thumbnail"`
	Image     string  `json:"image"`
	Link      string  `json:"link"`
}

// Point returns the photo location.
func (p Photo) Point() orb.Point {
	return orb.Point{p.Lon, p.Lat}
}

// SearchRequest describes one geosearch query.
type SearchRequest struct {
	Bounds orb.Bound
	Limit  int
}

// FetchState is the controller's request lifecycle state.
type FetchState string

// Controller states. Fulfilled, Cancelled and Failed are reported as the last
// outcome; the controller itself returns to Idle after each of them.
const (
	StateIdle      FetchState = "idle"
	StatePending   FetchState = "pending"
	StateFulfilled FetchState = "fulfilled"
	StateCancelled FetchState = "cancelled"
	StateFailed    FetchState = "failed"
)

// QueryReport describes one finished geosearch query.
type QueryReport struct {
	Generation uint64
	Outcome    FetchState
	Bounds     orb.Bound
	// Rows is the number of rows returned; Added counts the photos that were
	// new to the overlay. Both are zero unless the query was fulfilled.
	Rows    int
	Added   int
	Elapsed time.Duration
	Err     error
}

// ViewportState is what the controller remembers from the previous trigger.
type ViewportState struct {
	// Zoom is the last sampled zoom, -1 before the first sample.
	Zoom int
	// Origin is the last sampled top-left pixel of the viewport.
	Origin    orb.Point
	HasOrigin bool
	// ShownAll is set once a query for the current region has been fulfilled.
	ShownAll bool
}

// Options tunes when and how much the overlay fetches.
type Options struct {
	MinZoom                int
	MaxImagesPerRequest    int
	ThumbSize              int
	ImageSize              int
	UpdateMinPixelDistance float64
	MaxBBoxSquareMeters    float64
}

// Default option values.
const (
	DefaultMinZoom                = 10
	DefaultMaxImagesPerRequest    = 60
	DefaultThumbSize              = 100
	DefaultImageSize              = 640
	DefaultUpdateMinPixelDistance = 60
	DefaultMaxBBoxSquareMeters    = 400_000_000
)

// DefaultOptions returns the stock overlay options.
func DefaultOptions() Options {
	return Options{
		MinZoom:                DefaultMinZoom,
		MaxImagesPerRequest:    DefaultMaxImagesPerRequest,
		ThumbSize:              DefaultThumbSize,
		ImageSize:              DefaultImageSize,
		UpdateMinPixelDistance: DefaultUpdateMinPixelDistance,
		MaxBBoxSquareMeters:    DefaultMaxBBoxSquareMeters,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxImagesPerRequest <= 0 {
		o.MaxImagesPerRequest = DefaultMaxImagesPerRequest
	}
	if o.ThumbSize <= 0 {
		o.ThumbSize = DefaultThumbSize
	}
	if o.ImageSize <= 0 {
		o.ImageSize = DefaultImageSize
	}
	if o.UpdateMinPixelDistance < 0 {
		o.UpdateMinPixelDistance = 0
	}
	if o.MaxBBoxSquareMeters <= 0 {
		o.MaxBBoxSquareMeters = DefaultMaxBBoxSquareMeters
	}
	return o
}
