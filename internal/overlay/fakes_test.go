package overlay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/JakeFAU/commons-photos/internal/hash/md5"
)

type fakeViewport struct {
	zoom   int
	origin orb.Point
	bounds orb.Bound
}

func (v *fakeViewport) Zoom() int              { return v.zoom }
func (v *fakeViewport) PixelOrigin() orb.Point { return v.origin }
func (v *fakeViewport) Bounds() orb.Bound      { return v.bounds }

func cityViewport(zoom int) *fakeViewport {
	return &fakeViewport{
		zoom:   zoom,
		origin: orb.Point{1000, 1000},
		bounds: orb.Bound{Min: orb.Point{2.33, 48.85}, Max: orb.Point{2.36, 48.87}},
	}
}

type searchResult struct {
	rows []GeoRow
	err  error
}

// pendingCall is one Search invocation held open until the test resolves it.
type pendingCall struct {
	ctx  context.Context
	req  SearchRequest
	resp chan searchResult
}

func (c *pendingCall) resolve(rows []GeoRow, err error) {
	c.resp <- searchResult{rows: rows, err: err}
}

func (c *pendingCall) canceled() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

type blockingSearcher struct {
	calls chan *pendingCall
}

func newBlockingSearcher() *blockingSearcher {
	return &blockingSearcher{calls: make(chan *pendingCall, 16)}
}

func (s *blockingSearcher) Search(ctx context.Context, req SearchRequest) ([]GeoRow, error) {
	call := &pendingCall{ctx: ctx, req: req, resp: make(chan searchResult, 1)}
	s.calls <- call
	r := <-call.resp
	return r.rows, r.err
}

func (s *blockingSearcher) next(t *testing.T) *pendingCall {
	t.Helper()
	select {
	case call := <-s.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("expected a search call")
		return nil
	}
}

func (s *blockingSearcher) idle() bool {
	return len(s.calls) == 0
}

// scriptedSearcher answers calls immediately from a list of responses.
type scriptedSearcher struct {
	mu        sync.Mutex
	responses []searchResult
	requests  []SearchRequest
}

func (s *scriptedSearcher) Search(_ context.Context, req SearchRequest) ([]GeoRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return nil, nil
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r.rows, r.err
}

func (s *scriptedSearcher) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// recordingRenderer checks that every Add happens while unspiderfying is suspended.
type recordingRenderer struct {
	mu            sync.Mutex
	photos        []Photo
	suspended     int
	addsSuspended []bool
	cleared       int
}

func (r *recordingRenderer) Add(photos []Photo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.photos = append(r.photos, photos...)
	r.addsSuspended = append(r.addsSuspended, r.suspended > 0)
}

func (r *recordingRenderer) SuspendUnspiderfy() func() {
	r.mu.Lock()
	r.suspended++
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.suspended--
		r.mu.Unlock()
	}
}

func (r *recordingRenderer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.photos = nil
	r.cleared++
}

func (r *recordingRenderer) snapshot() []Photo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Photo(nil), r.photos...)
}

type batchRenderer struct {
	recordingRenderer
	batches int
}

func (b *batchRenderer) AddBatch(photos []Photo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches++
	b.photos = append(b.photos, photos...)
}

func newTestResolver() *PathResolver {
	return NewPathResolver(md5.New(), PathConfig{})
}

func row(id int64, title string) GeoRow {
	return GeoRow{PageID: id, Namespace: 6, Title: title, Lat: 48.86, Lon: 2.34}
}

type recordingObserver struct {
	mu      sync.Mutex
	reports []QueryReport
}

func (o *recordingObserver) QueryFinished(r QueryReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports = append(o.reports, r)
}

func (o *recordingObserver) all() []QueryReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]QueryReport(nil), o.reports...)
}

// cancelCounter wraps every query context and counts calls to its cancel func,
// indexed by issue order.
type cancelCounter struct {
	mu     sync.Mutex
	counts []int
}

func (cc *cancelCounter) withCancel(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	cc.mu.Lock()
	i := len(cc.counts)
	cc.counts = append(cc.counts, 0)
	cc.mu.Unlock()
	return ctx, func() {
		cc.mu.Lock()
		cc.counts[i]++
		cc.mu.Unlock()
		cancel()
	}
}

func (cc *cancelCounter) calls(i int) int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.counts[i]
}
