// Package dispatcher fans geosearch queries out to a bounded pool of workers
// so that many overlays share a fixed number of outbound connections.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/commons-photos/internal/metrics"
	"github.com/JakeFAU/commons-photos/internal/overlay"
	"github.com/JakeFAU/commons-photos/internal/queue/memory"
)

// ErrStopped is returned for queries submitted after Run has exited.
var ErrStopped = errors.New("dispatcher stopped")

// Config sizes the worker pool.
type Config struct {
	Workers    int
	QueueDepth int
}

type job struct {
	ctx   context.Context
	req   overlay.SearchRequest
	reply chan result
}

type result struct {
	rows []overlay.GeoRow
	err  error
}

// Dispatcher implements overlay.Searcher by handing each query to one of a
// fixed set of workers that call the backend.
type Dispatcher struct {
	backend overlay.Searcher
	queue   *memory.Queue[job]
	workers int
	logger  *zap.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a Dispatcher. Run must be started before queries are served.
func New(backend overlay.Searcher, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth < 0 {
		cfg.QueueDepth = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		backend: backend,
		queue:   memory.NewQueue[job](cfg.QueueDepth),
		workers: cfg.Workers,
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

// Run starts all workers and blocks until the context finishes. On shutdown
// the queue is closed and every job still buffered is answered with
// ErrStopped before Run returns.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.work(ctx, id)
		}(i)
	}
	<-ctx.Done()
	d.queue.Close()
	wg.Wait()
	d.stopOnce.Do(func() { close(d.stopped) })
	d.logger.Info("geosearch dispatcher stopped")
}

// Search queues req and waits for a worker to answer it. Cancelling ctx
// abandons the query with an error wrapping overlay.ErrCanceled.
func (d *Dispatcher) Search(ctx context.Context, req overlay.SearchRequest) ([]overlay.GeoRow, error) {
	select {
	case <-d.stopped:
		return nil, ErrStopped
	default:
	}

	j := job{ctx: ctx, req: req, reply: make(chan result, 1)}
	if err := d.queue.Enqueue(ctx, j); err != nil {
		if errors.Is(err, memory.ErrClosed) {
			return nil, ErrStopped
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", overlay.ErrCanceled, err)
		}
		return nil, fmt.Errorf("queue enqueue: %w", err)
	}

	select {
	case res := <-j.reply:
		return res.rows, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", overlay.ErrCanceled, ctx.Err())
	case <-d.stopped:
		return nil, ErrStopped
	}
}

// work serves jobs until the queue is closed and drained. Dequeue is not
// bound to ctx so that jobs buffered at shutdown still get a reply.
func (d *Dispatcher) work(ctx context.Context, id int) {
	logger := d.logger.With(zap.Int("worker", id))
	for {
		j, err := d.queue.Dequeue(context.Background())
		if err != nil {
			if !errors.Is(err, memory.ErrClosed) {
				logger.Warn("dequeue failed", zap.Error(err))
			}
			return
		}
		if ctx.Err() != nil {
			j.reply <- result{err: ErrStopped}
			continue
		}
		if j.ctx.Err() != nil {
			// The caller already gave up; skip the outbound request.
			j.reply <- result{err: fmt.Errorf("%w: %w", overlay.ErrCanceled, j.ctx.Err())}
			continue
		}
		metrics.IncActiveWorkers()
		rows, err := d.backend.Search(j.ctx, j.req)
		metrics.DecActiveWorkers()
		if err != nil && !errors.Is(err, overlay.ErrCanceled) {
			logger.Debug("geosearch failed", zap.Error(err))
		}
		j.reply <- result{rows: rows, err: err}
	}
}
