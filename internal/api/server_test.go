package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/commons-photos/internal/config"
	"github.com/JakeFAU/commons-photos/internal/hash/md5"
	"github.com/JakeFAU/commons-photos/internal/overlay"
	"github.com/JakeFAU/commons-photos/internal/storage"
	storagemem "github.com/JakeFAU/commons-photos/internal/storage/memory"
)

const parisViewport = `{"zoom":15,"pixel_origin":[1000,1000],` +
	`"bounds":{"north":48.87,"west":2.33,"south":48.85,"east":2.36}}`

func TestServer_CreateOverlay_LoadsPhotos(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{rows: []overlay.GeoRow{
		{PageID: 1, Namespace: 6, Title: "File:Louvre Pyramid.jpg", Lat: 48.861, Lon: 2.335},
		{PageID: 2, Namespace: 6, Title: "File:Paris map.svg", Lat: 48.86, Lon: 2.34},
		{PageID: 3, Namespace: 6, Title: "File:Pont des Arts.png", Lat: 48.858, Lon: 2.337},
	}}
	server := newTestServer(searcher, &fakeIDGen{ids: []string{"ov-1"}})

	rec := do(server, http.MethodPost, "/v1/overlays", parisViewport)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created viewportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "ov-1", created.OverlayID)
	require.True(t, created.Fetching)

	rec = do(server, http.MethodGet, "/v1/overlays/ov-1/photos?wait=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var photos photosResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &photos))
	require.False(t, photos.Pending)
	require.Equal(t, string(overlay.StateFulfilled), photos.LastOutcome)
	require.Equal(t, 2, photos.Count)
	require.Equal(t, int64(1), photos.Photos[0].PageID)
	require.Equal(t, "https://commons.wikimedia.org/wiki/File:Louvre Pyramid.jpg", photos.Photos[0].Link)
	require.Contains(t, photos.Photos[0].Thumbnail, "/100px-Louvre_Pyramid.jpg")
	require.Equal(t, 639, photos.Cluster.PopupMinWidth)

	req := searcher.lastRequest()
	require.Equal(t, 60, req.Limit)
	require.InDelta(t, 48.87, req.Bounds.Max.Lat(), 1e-9)
	require.InDelta(t, 2.33, req.Bounds.Min.Lon(), 1e-9)
}

func TestServer_UpdateViewport_DeduplicatesRows(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{rows: []overlay.GeoRow{
		{PageID: 10, Namespace: 6, Title: "File:Tour Eiffel.jpg", Lat: 48.858, Lon: 2.294},
	}}
	server := newTestServer(searcher, &fakeIDGen{ids: []string{"ov-2"}})

	require.Equal(t, http.StatusCreated, do(server, http.MethodPost, "/v1/overlays", parisViewport).Code)
	do(server, http.MethodGet, "/v1/overlays/ov-2/photos?wait=true", "")

	moved := `{"zoom":15,"pixel_origin":[1400,1000],` +
		`"bounds":{"north":48.87,"west":2.36,"south":48.85,"east":2.39}}`
	rec := do(server, http.MethodPost, "/v1/overlays/ov-2/viewport", moved)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"fetching":true`)

	rec = do(server, http.MethodGet, "/v1/overlays/ov-2/photos?wait=true", "")
	var photos photosResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &photos))
	require.Equal(t, 1, photos.Count)
	require.Equal(t, 2, searcher.calls())
}

func TestServer_UpdateViewport_SmallPanSkipsQuery(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{}
	server := newTestServer(searcher, &fakeIDGen{ids: []string{"ov-3"}})
	do(server, http.MethodPost, "/v1/overlays", parisViewport)
	do(server, http.MethodGet, "/v1/overlays/ov-3/photos?wait=true", "")

	nudged := `{"zoom":15,"pixel_origin":[1010,1005],` +
		`"bounds":{"north":48.87,"west":2.33,"south":48.85,"east":2.36}}`
	rec := do(server, http.MethodPost, "/v1/overlays/ov-3/viewport", nudged)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"fetching":false`)
	require.Equal(t, 1, searcher.calls())
}

func TestServer_CreateOverlay_BelowMinZoom(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{}
	server := newTestServer(searcher, &fakeIDGen{ids: []string{"ov-4"}})

	body := `{"zoom":5,"pixel_origin":[0,0],"bounds":{"north":50,"west":0,"south":40,"east":10}}`
	rec := do(server, http.MethodPost, "/v1/overlays", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), `"fetching":false`)
	require.Zero(t, searcher.calls())
}

func TestServer_CreateOverlay_InvalidRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "invalid json", body: "{invalid", want: "invalid JSON"},
		{name: "missing zoom", body: `{"pixel_origin":[0,0]}`, want: "zoom required"},
		{name: "negative zoom", body: `{"zoom":-1,"pixel_origin":[0,0]}`, want: "zoom must be"},
		{name: "short origin", body: `{"zoom":12,"pixel_origin":[0]}`, want: "pixel_origin"},
		{
			name: "inverted latitude",
			body: `{"zoom":12,"pixel_origin":[0,0],"bounds":{"north":40,"south":50}}`,
			want: "bounds.south",
		},
		{
			name: "latitude out of range",
			body: `{"zoom":12,"pixel_origin":[0,0],"bounds":{"north":95,"south":50}}`,
			want: "latitude out of range",
		},
		{
			name: "inverted longitude",
			body: `{"zoom":12,"pixel_origin":[0,0],"bounds":{"north":50,"south":40,"west":10,"east":0}}`,
			want: "bounds.west",
		},
	}

	server := newTestServer(&fakeSearcher{}, &fakeIDGen{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(server, http.MethodPost, "/v1/overlays", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestServer_CreateOverlay_CapacityReached(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.MaxOverlays = 1
	server := NewServer(Deps{
		Store:    storagemem.NewOverlayStore(cfg.Server.MaxOverlays),
		Searcher: &fakeSearcher{},
		Hasher:   md5.New(),
		IDs:      &fakeIDGen{ids: []string{"a", "b"}},
		Clock:    &fakeClock{now: time.Unix(100, 0)},
		Logger:   zap.NewNop(),
	}, cfg)

	require.Equal(t, http.StatusCreated, do(server, http.MethodPost, "/v1/overlays", parisViewport).Code)
	rec := do(server, http.MethodPost, "/v1/overlays", parisViewport)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestServer_CreateOverlay_IDError(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeSearcher{}, &fakeIDGen{err: errors.New("entropy exhausted")})
	rec := do(server, http.MethodPost, "/v1/overlays", parisViewport)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "entropy exhausted")
}

func TestServer_UnknownOverlay(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeSearcher{}, &fakeIDGen{})
	for _, tc := range []struct {
		method, path, body string
	}{
		{http.MethodGet, "/v1/overlays/missing/photos", ""},
		{http.MethodPost, "/v1/overlays/missing/viewport", parisViewport},
		{http.MethodDelete, "/v1/overlays/missing", ""},
	} {
		rec := do(server, tc.method, tc.path, tc.body)
		require.Equal(t, http.StatusNotFound, rec.Code, tc.method+" "+tc.path)
		require.Contains(t, rec.Body.String(), "overlay not found")
	}
}

func TestServer_DeleteOverlay_Detaches(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{rows: []overlay.GeoRow{
		{PageID: 1, Namespace: 6, Title: "File:A.jpg"},
	}}
	server := newTestServer(searcher, &fakeIDGen{ids: []string{"ov-5"}})
	do(server, http.MethodPost, "/v1/overlays", parisViewport)
	do(server, http.MethodGet, "/v1/overlays/ov-5/photos?wait=true", "")

	rec := do(server, http.MethodDelete, "/v1/overlays/ov-5", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, http.StatusNotFound, do(server, http.MethodGet, "/v1/overlays/ov-5/photos", "").Code)
}

func TestServer_CloseDetachesAll(t *testing.T) {
	t.Parallel()

	store := storagemem.NewOverlayStore(0)
	searcher := &fakeSearcher{}
	server := NewServer(Deps{
		Store:    store,
		Searcher: searcher,
		Hasher:   md5.New(),
		IDs:      &fakeIDGen{ids: []string{"a", "b"}},
		Logger:   zap.NewNop(),
	}, testConfig())

	do(server, http.MethodPost, "/v1/overlays", parisViewport)
	do(server, http.MethodPost, "/v1/overlays", parisViewport)
	require.Equal(t, 2, store.Len())

	server.Close(context.Background())
	require.Zero(t, store.Len())

	require.Equal(t, http.StatusServiceUnavailable, do(server, http.MethodGet, "/readyz", "").Code)
	require.Equal(t, http.StatusServiceUnavailable, do(server, http.MethodPost, "/v1/overlays", parisViewport).Code)
}

func TestServer_ReapIdleDetachesUntouchedOverlays(t *testing.T) {
	t.Parallel()

	store := storagemem.NewOverlayStore(0)
	clock := &fakeClock{now: time.Unix(100, 0)}
	server := NewServer(Deps{
		Store:    store,
		Searcher: &fakeSearcher{},
		Hasher:   md5.New(),
		IDs:      &fakeIDGen{ids: []string{"idle", "active"}},
		Clock:    clock,
		Logger:   zap.NewNop(),
	}, testConfig())
	t.Cleanup(func() { server.Close(context.Background()) })

	require.Equal(t, http.StatusCreated, do(server, http.MethodPost, "/v1/overlays", parisViewport).Code)
	require.Equal(t, http.StatusCreated, do(server, http.MethodPost, "/v1/overlays", parisViewport).Code)

	clock.advance(10 * time.Minute)
	require.Equal(t, http.StatusOK, do(server, http.MethodGet, "/v1/overlays/active/photos?wait=true", "").Code)
	clock.advance(25 * time.Minute)

	require.Equal(t, 1, server.ReapIdle(context.Background(), 30*time.Minute))
	require.Equal(t, 1, store.Len())
	require.Equal(t, http.StatusNotFound, do(server, http.MethodGet, "/v1/overlays/idle/photos", "").Code)
	require.Equal(t, http.StatusOK, do(server, http.MethodGet, "/v1/overlays/active/photos", "").Code)
	require.Zero(t, server.ReapIdle(context.Background(), 30*time.Minute))
}

// TestServer_CloseRacingCreateLeavesNoSession checks that an overlay created
// while Close runs is either refused or drained, never left registered.
func TestServer_CloseRacingCreateLeavesNoSession(t *testing.T) {
	t.Parallel()

	const creates = 32
	ids := make([]string, creates)
	for i := range ids {
		ids[i] = fmt.Sprintf("ov-%d", i)
	}
	store := storagemem.NewOverlayStore(0)
	server := NewServer(Deps{
		Store:    store,
		Searcher: &fakeSearcher{},
		Hasher:   md5.New(),
		IDs:      &fakeIDGen{ids: ids},
		Logger:   zap.NewNop(),
	}, testConfig())

	var wg sync.WaitGroup
	codes := make(chan int, creates)
	for i := 0; i < creates; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- do(server, http.MethodPost, "/v1/overlays", parisViewport).Code
		}()
	}
	server.Close(context.Background())
	wg.Wait()
	close(codes)

	for code := range codes {
		require.Contains(t, []int{http.StatusCreated, http.StatusServiceUnavailable}, code)
	}
	require.Zero(t, store.Len())
}

func TestServer_FailedSearchIsReported(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{err: errors.New("upstream 503")}
	server := newTestServer(searcher, &fakeIDGen{ids: []string{"ov-6"}})
	do(server, http.MethodPost, "/v1/overlays", parisViewport)

	rec := do(server, http.MethodGet, "/v1/overlays/ov-6/photos?wait=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var photos photosResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &photos))
	require.Equal(t, string(overlay.StateFailed), photos.LastOutcome)
	require.Zero(t, photos.Count)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeSearcher{}, &fakeIDGen{})
	rec := do(server, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")

	rec = do(server, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"overlays":0`)

	rec = do(server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "overlay_attached")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	server := NewServer(Deps{
		Store:    storagemem.NewOverlayStore(0),
		Searcher: &fakeSearcher{},
		Hasher:   md5.New(),
		IDs:      &fakeIDGen{},
		Clock:    &fakeClock{now: time.Unix(100, 0)},
		Logger:   zap.NewNop(),
	}, cfg)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz?api_key=secret", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := do(newTestServer(&fakeSearcher{}, &fakeIDGen{}), http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddlewareReturns500(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

func do(server *Server, method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

type fakeSearcher struct {
	mu       sync.Mutex
	rows     []overlay.GeoRow
	err      error
	requests []overlay.SearchRequest
}

func (f *fakeSearcher) Search(_ context.Context, req overlay.SearchRequest) ([]overlay.GeoRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return append([]overlay.GeoRow(nil), f.rows...), nil
}

func (f *fakeSearcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeSearcher) lastRequest() overlay.SearchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if len(f.ids) == 0 {
		return "id-default", nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, MaxOverlays: 16},
		Overlay: config.OverlayConfig{
			MinZoom:                10,
			MaxImagesPerRequest:    60,
			ThumbSize:              100,
			ImageSize:              640,
			UpdateMinPixelDistance: 60,
			MaxBBoxSquareMeters:    400_000_000,
		},
		Cluster: config.ClusterConfig{
			MaxClusterRadius:           50,
			ShowCoverageOnHover:        true,
			SpiderfyDistanceMultiplier: 2,
			ImageClickClosesPopup:      true,
		},
		HTTP:    config.HTTPConfig{TimeoutSeconds: 30},
		Logging: config.LoggingConfig{Development: true},
	}
}

func newTestServer(searcher overlay.Searcher, ids IDGenerator) *Server {
	return NewServer(Deps{
		Store:    storagemem.NewOverlayStore(16),
		Searcher: searcher,
		Hasher:   md5.New(),
		IDs:      ids,
		Clock:    &fakeClock{now: time.Unix(100, 0)},
		Logger:   zap.NewNop(),
	}, testConfig())
}

var _ storage.OverlayStore = (*storagemem.OverlayStore)(nil)
