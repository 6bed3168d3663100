package overlay

import (
	"context"
	"errors"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"go.uber.org/zap"

	"github.com/JakeFAU/commons-photos/internal/clock/system"
	"github.com/JakeFAU/commons-photos/internal/metrics"
)

// inflight is the single outstanding geosearch query.
type inflight struct {
	generation uint64
	cancel     context.CancelFunc
}

// Controller decides when a viewport change triggers a geosearch query and
// keeps at most one query outstanding. Results of superseded queries are
// discarded by comparing generations on completion.
type Controller struct {
	opts     Options
	searcher Searcher
	deliver  func([]GeoRow) int
	observer QueryObserver
	clock    Clock
	logger   *zap.Logger
	// withCancel derives each query's context from the attach context.
	withCancel func(context.Context) (context.Context, context.CancelFunc)

	mu          sync.Mutex
	life        context.Context
	viewport    Viewport
	state       ViewportState
	current     *inflight
	generation  uint64
	lastOutcome FetchState
	// running counts query goroutines that have not yet finished; idle is
	// signalled when it drops to zero.
	running int
	idle    *sync.Cond
}

// NewController builds a Controller. deliver receives the rows of every
// fulfilled query, in issue order, while the controller lock is held, and
// returns how many of them were new.
func NewController(opts Options, searcher Searcher, deliver func([]GeoRow) int, clock Clock, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	c := &Controller{
		opts:        opts.withDefaults(),
		searcher:    searcher,
		deliver:     deliver,
		clock:       clock,
		logger:      logger,
		state:       ViewportState{Zoom: -1},
		lastOutcome: StateIdle,
		withCancel:  context.WithCancel,
	}
	c.idle = sync.NewCond(&c.mu)
	return c
}

// SetObserver registers o to receive a report for every finished query.
func (c *Controller) SetObserver(o QueryObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

// Attach binds the controller to a map viewport and fetches immediately,
// ignoring the movement threshold. ctx bounds the lifetime of every query
// issued until Detach.
func (c *Controller) Attach(ctx context.Context, viewport Viewport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.life = ctx
	c.viewport = viewport
	return c.triggerLocked(true)
}

// ViewportChanged handles a pan or zoom end. It reports whether a query was
// issued.
func (c *Controller) ViewportChanged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.viewport == nil {
		return false
	}
	return c.triggerLocked(false)
}

// Detach cancels any outstanding query and forgets the sampled viewport.
func (c *Controller) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
	c.viewport = nil
	c.life = nil
	c.state.HasOrigin = false
	c.state.Origin = orb.Point{}
	c.state.ShownAll = false
}

// State returns StatePending while a query is outstanding and StateIdle otherwise.
func (c *Controller) State() FetchState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return StatePending
	}
	return StateIdle
}

// LastOutcome returns how the most recent query ended.
func (c *Controller) LastOutcome() FetchState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOutcome
}

// Viewport returns a copy of the sampled viewport state.
func (c *Controller) Viewport() ViewportState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Wait blocks until every issued query has completed. It is safe to call
// while other goroutines keep triggering queries.
func (c *Controller) Wait() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.running > 0 {
		c.idle.Wait()
	}
}

func (c *Controller) triggerLocked(force bool) bool {
	zoom := c.viewport.Zoom()
	if zoom < c.opts.MinZoom {
		return false
	}

	origin := c.viewport.PixelOrigin()
	if !force && c.state.HasOrigin && zoom == c.state.Zoom &&
		planar.Distance(origin, c.state.Origin) < c.opts.UpdateMinPixelDistance {
		metrics.ObserveViewportSkipped()
		return false
	}
	c.state.Origin = origin
	c.state.HasOrigin = true

	c.cancelLocked()

	// Zooming out re-queries even after everything was shown: the earlier
	// result covered a narrower region.
	issued := false
	if !c.state.ShownAll || zoom <= c.state.Zoom {
		bounds := ClampBounds(c.viewport.Bounds(), c.opts.MaxBBoxSquareMeters)
		c.issueLocked(SearchRequest{Bounds: bounds, Limit: c.opts.MaxImagesPerRequest})
		issued = true
	}
	c.state.Zoom = zoom
	return issued
}

func (c *Controller) cancelLocked() {
	if c.current == nil {
		return
	}
	c.current.cancel()
	c.current = nil
	c.lastOutcome = StateCancelled
}

func (c *Controller) issueLocked(req SearchRequest) {
	parent := c.life
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := c.withCancel(parent)
	c.generation++
	gen := c.generation
	c.current = &inflight{generation: gen, cancel: cancel}

	c.logger.Debug("geosearch issued",
		zap.Uint64("generation", gen),
		zap.String("bbox", FormatBBox(req.Bounds)),
		zap.Int("limit", req.Limit),
	)

	c.running++
	go c.run(ctx, gen, req)
}

func (c *Controller) run(ctx context.Context, gen uint64, req SearchRequest) {
	start := c.clock.Now()
	rows, err := c.searcher.Search(ctx, req)
	elapsed := c.clock.Now().Sub(start)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.finishedLocked()

	report := QueryReport{Generation: gen, Bounds: req.Bounds, Elapsed: elapsed, Err: err}
	if c.current == nil || c.current.generation != gen {
		// Superseded or detached; the outcome was recorded on cancel.
		report.Outcome = StateCancelled
		c.report(report)
		return
	}
	c.current.cancel()
	c.current = nil

	switch {
	case err == nil:
		c.state.ShownAll = true
		report.Rows = len(rows)
		if c.deliver != nil {
			report.Added = c.deliver(rows)
		}
		report.Outcome = StateFulfilled
	case errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled):
		report.Outcome = StateCancelled
	default:
		report.Outcome = StateFailed
	}
	c.lastOutcome = report.Outcome
	c.report(report)
}

func (c *Controller) finishedLocked() {
	c.running--
	if c.running == 0 {
		c.idle.Broadcast()
	}
}

func (c *Controller) report(r QueryReport) {
	metrics.ObserveGeosearch(string(r.Outcome), r.Elapsed)
	if c.observer != nil {
		c.observer.QueryFinished(r)
	}
	fields := []zap.Field{
		zap.Uint64("generation", r.Generation),
		zap.String("outcome", string(r.Outcome)),
		zap.Duration("elapsed", r.Elapsed),
	}
	if r.Outcome == StateFailed {
		c.logger.Warn("geosearch failed", append(fields, zap.Error(r.Err))...)
		return
	}
	c.logger.Debug("geosearch finished", append(fields, zap.Int("rows", r.Rows), zap.Int("added", r.Added))...)
}
