package overlay

import (
	"context"

	"go.uber.org/zap"
)

// Overlay loads Commons photos for one map. It wires a Controller to an
// Accumulator and a Renderer and owns their lifecycle.
type Overlay struct {
	controller  *Controller
	accumulator *Accumulator
	renderer    Renderer
	logger      *zap.Logger
}

// Deps groups the collaborators of an Overlay.
type Deps struct {
	Searcher Searcher
	Renderer Renderer
	Hasher   ShardHasher
	Clock    Clock
	// Observer, if set, receives a report for every finished query.
	Observer QueryObserver
	Logger   *zap.Logger
}

// New builds an Overlay. Paths are resolved with the configured sizes against
// the endpoints in paths (empty fields fall back to Commons defaults).
func New(opts Options, paths PathConfig, deps Deps) *Overlay {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	paths.ThumbSize = opts.ThumbSize
	paths.ImageSize = opts.ImageSize

	o := &Overlay{
		accumulator: NewAccumulator(NewPathResolver(deps.Hasher, paths), logger.Named("accumulator")),
		renderer:    deps.Renderer,
		logger:      logger,
	}
	o.controller = NewController(opts, deps.Searcher, o.merge, deps.Clock, logger.Named("controller"))
	if deps.Observer != nil {
		o.controller.SetObserver(deps.Observer)
	}
	return o
}

func (o *Overlay) merge(rows []GeoRow) int {
	photos := o.accumulator.Merge(o.renderer, rows)
	o.logger.Debug("photos merged", zap.Int("rows", len(rows)), zap.Int("added", len(photos)))
	return len(photos)
}

// OnAdd attaches the overlay to a map and fetches the visible photos.
func (o *Overlay) OnAdd(ctx context.Context, viewport Viewport) bool {
	return o.controller.Attach(ctx, viewport)
}

// OnMoveEnd reacts to a finished pan or zoom.
func (o *Overlay) OnMoveEnd() bool {
	return o.controller.ViewportChanged()
}

// OnRemove detaches the overlay, clearing rendered photos and the seen set.
func (o *Overlay) OnRemove() {
	o.controller.Detach()
	if o.renderer != nil {
		o.renderer.Clear()
	}
	o.accumulator.Reset()
}

// Controller exposes the fetch controller.
func (o *Overlay) Controller() *Controller {
	return o.controller
}

// Wait blocks until no geosearch query is outstanding.
func (o *Overlay) Wait() {
	o.controller.Wait()
}
