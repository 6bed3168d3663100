package overlay

import (
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/commons-photos/internal/metrics"
)

// supportedExtensions lists the file types that have raster thumbnails.
var supportedExtensions = map[string]struct{}{
	"jpg":  {},
	"jpeg": {},
	"png":  {},
}

// Drop reasons reported to metrics.
const (
	dropUnsupported = "unsupported_extension"
	dropDuplicate   = "duplicate"
)

// Accumulator filters and enriches geosearch rows, remembering every page ID it
// has surfaced while the overlay is attached.
type Accumulator struct {
	resolver *PathResolver
	seen     map[int64]struct{}
	logger   *zap.Logger
}

// NewAccumulator builds an Accumulator around resolver.
func NewAccumulator(resolver *PathResolver, logger *zap.Logger) *Accumulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accumulator{
		resolver: resolver,
		seen:     make(map[int64]struct{}),
		logger:   logger,
	}
}

// Accept returns the rows that have a supported extension and were not seen
// before, enriched with their URLs, in input order. Accepted IDs are marked seen.
func (a *Accumulator) Accept(rows []GeoRow) []Photo {
	photos := make([]Photo, 0, len(rows))
	for _, row := range rows {
		if !SupportedFile(row.Title) {
			metrics.ObserveRowDropped(dropUnsupported)
			continue
		}
		if _, ok := a.seen[row.PageID]; ok {
			metrics.ObserveRowDropped(dropDuplicate)
			continue
		}
		paths := a.resolver.ResolveTitle(row.Title)
		photos = append(photos, Photo{
			PageID:    row.PageID,
			Title:     row.Title,
			Lat:       row.Lat,
			Lon:       row.Lon,
			Thumbnail: paths.Thumbnail,
			Image:     paths.Image,
			Link:      paths.Link,
		})
		a.seen[row.PageID] = struct{}{}
	}
	a.logger.Debug("rows accepted", zap.Int("rows", len(rows)), zap.Int("photos", len(photos)))
	return photos
}

// Merge accepts rows and adds the resulting photos to renderer. Renderers
// without a batch API have unspiderfying suspended for the whole merge, and
// the suspension is released even if enrichment panics.
func (a *Accumulator) Merge(renderer Renderer, rows []GeoRow) []Photo {
	if renderer == nil {
		return a.Accept(rows)
	}
	var photos []Photo
	if batch, ok := renderer.(BatchRenderer); ok {
		photos = a.Accept(rows)
		batch.AddBatch(photos)
	} else {
		release := renderer.SuspendUnspiderfy()
		defer release()
		photos = a.Accept(rows)
		renderer.Add(photos)
	}
	metrics.ObservePhotosAdded(len(photos))
	return photos
}

// Seen reports whether pageID has been surfaced since the last Reset.
func (a *Accumulator) Seen(pageID int64) bool {
	_, ok := a.seen[pageID]
	return ok
}

// Len returns the number of surfaced page IDs.
func (a *Accumulator) Len() int {
	return len(a.seen)
}

// Reset forgets every surfaced page ID.
func (a *Accumulator) Reset() {
	a.seen = make(map[int64]struct{})
}

// SupportedFile reports whether title names a jpg, jpeg or png file.
func SupportedFile(title string) bool {
	idx := strings.LastIndexByte(title, '.')
	if idx < 0 {
		return false
	}
	_, ok := supportedExtensions[strings.ToLower(title[idx+1:])]
	return ok
}
