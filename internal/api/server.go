// Package api exposes the HTTP interface for the overlay service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/commons-photos/internal/clock/system"
	"github.com/JakeFAU/commons-photos/internal/config"
	"github.com/JakeFAU/commons-photos/internal/metrics"
	"github.com/JakeFAU/commons-photos/internal/overlay"
	"github.com/JakeFAU/commons-photos/internal/progress"
	rendermem "github.com/JakeFAU/commons-photos/internal/render/memory"
	"github.com/JakeFAU/commons-photos/internal/storage"
)

// IDGenerator produces overlay IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Deps groups the collaborators of a Server.
type Deps struct {
	Store    storage.OverlayStore
	Searcher overlay.Searcher
	Hasher   overlay.ShardHasher
	IDs      IDGenerator
	Clock    overlay.Clock
	// Events receives session milestones; History serves them back. Both
	// are optional.
	Events  progress.Emitter
	History EventHistory
	Logger  *zap.Logger
}

// Server wires HTTP handlers to overlay sessions.
type Server struct {
	router   chi.Router
	handler  http.Handler
	store    storage.OverlayStore
	searcher overlay.Searcher
	hasher   overlay.ShardHasher
	idGen    IDGenerator
	clock    overlay.Clock
	events   progress.Emitter
	history  EventHistory
	cfg      config.Config
	logger   *zap.Logger

	// life bounds every overlay's queries; cancelled by Close.
	life   context.Context
	cancel context.CancelFunc
	// sessionsMu is held shared while an overlay is registered and attached,
	// and exclusively while Close drains the store.
	sessionsMu sync.RWMutex
}

var errShuttingDown = errors.New("shutting down")

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = system.New()
	}
	events := deps.Events
	if events == nil {
		events = nopEmitter{}
	}
	life, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:    deps.Store,
		searcher: deps.Searcher,
		hasher:   deps.Hasher,
		idGen:    deps.IDs,
		clock:    clock,
		events:   events,
		history:  deps.History,
		cfg:      cfg,
		logger:   logger,
		life:     life,
		cancel:   cancel,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/overlays", func(r chi.Router) {
			r.Post("/", s.createOverlay)
			r.Route("/{overlay_id}", func(r chi.Router) {
				r.Post("/viewport", s.updateViewport)
				r.Get("/photos", s.listPhotos)
				r.Get("/events", s.listEvents)
				r.Delete("/", s.deleteOverlay)
			})
		})
	})

	s.router = r
	if idle := cfg.IdleTimeout(); idle > 0 {
		go s.reapLoop(cfg.ReapInterval(), idle)
	}
	s.handler = otelhttp.NewHandler(r, "commons-photos",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Close detaches every overlay and cancels their outstanding queries.
func (s *Server) Close(ctx context.Context) {
	s.sessionsMu.Lock()
	s.cancel()
	sessions := s.store.Drain(ctx)
	s.sessionsMu.Unlock()

	for _, session := range sessions {
		s.detach(session)
		session.Overlay.Wait()
	}
}

// ReapIdle detaches every overlay the remote map has not touched within
// maxIdle and returns how many were removed.
func (s *Server) ReapIdle(ctx context.Context, maxIdle time.Duration) int {
	now := s.clock.Now()
	expired := s.store.Expire(ctx, now.Add(-maxIdle))
	for _, session := range expired {
		s.detach(session)
		s.logger.Info("idle overlay detached",
			zap.String("overlay_id", session.ID),
			zap.Duration("idle", now.Sub(session.LastSeen)),
		)
	}
	return len(expired)
}

func (s *Server) reapLoop(interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.life.Done():
			return
		case <-ticker.C:
			s.ReapIdle(s.life, maxIdle)
		}
	}
}

func (s *Server) detach(session storage.Session) {
	session.Overlay.OnRemove()
	metrics.DecAttached()
	s.emit(session.ID, progress.StageDetach, 0, false, s.clock.Now().Sub(session.Created))
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.life.Err() != nil {
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "overlays": s.store.Len()})
}

func (s *Server) createOverlay(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeViewport(w, r)
	if !ok {
		return
	}
	if s.life.Err() != nil {
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	id, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("generate overlay id: %v", err))
		return
	}

	now := s.clock.Now()
	layer := rendermem.NewClusterLayer(s.cfg.ClusterOptions())
	viewport := overlay.NewMutableViewport(req.Zoom, req.origin(), req.Bounds.bound())
	ov := overlay.New(s.cfg.OverlayOptions(), s.cfg.PathConfig(), overlay.Deps{
		Searcher: s.searcher,
		Renderer: layer,
		Hasher:   s.hasher,
		Clock:    s.clock,
		Observer: sessionObserver{id: progress.UUIDToBytes(eventID(id)), events: s.events, clock: s.clock},
		Logger:   s.logger.Named("overlay").With(zap.String("overlay_id", id)),
	})
	session := storage.Session{
		ID:       id,
		Overlay:  ov,
		Layer:    layer,
		Viewport: viewport,
		Created:  now,
		LastSeen: now,
	}
	fetching, err := s.attach(r.Context(), session)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, errShuttingDown):
			status = http.StatusServiceUnavailable
		case errors.Is(err, storage.ErrCapacity):
			status = http.StatusTooManyRequests
		}
		writeError(w, status, err.Error())
		return
	}
	s.emit(id, progress.StageAttach, req.Zoom, fetching, 0)
	writeJSON(w, http.StatusCreated, viewportResponse{OverlayID: id, Fetching: fetching})
}

// attach registers session and starts its overlay. Close cannot drain the
// store between the two steps.
func (s *Server) attach(ctx context.Context, session storage.Session) (bool, error) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	if s.life.Err() != nil {
		return false, errShuttingDown
	}
	if err := s.store.Create(ctx, session); err != nil {
		return false, err
	}
	metrics.IncAttached()
	return session.Overlay.OnAdd(s.life, session.Viewport), nil
}

func (s *Server) updateViewport(w http.ResponseWriter, r *http.Request) {
	session, ok := s.lookup(w, r)
	if !ok {
		return
	}
	req, ok := decodeViewport(w, r)
	if !ok {
		return
	}
	session.Viewport.Set(req.Zoom, req.origin(), req.Bounds.bound())
	fetching := session.Overlay.OnMoveEnd()
	s.emit(session.ID, progress.StageViewport, req.Zoom, fetching, 0)
	s.touch(r.Context(), session.ID)
	writeJSON(w, http.StatusOK, viewportResponse{OverlayID: session.ID, Fetching: fetching})
}

func (s *Server) listPhotos(w http.ResponseWriter, r *http.Request) {
	session, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.touch(r.Context(), session.ID)
	if r.URL.Query().Get("wait") == "true" {
		session.Overlay.Wait()
	}
	controller := session.Overlay.Controller()
	photos := session.Layer.Photos()
	writeJSON(w, http.StatusOK, photosResponse{
		OverlayID:   session.ID,
		Pending:     controller.State() == overlay.StatePending,
		LastOutcome: string(controller.LastOutcome()),
		Count:       len(photos),
		Photos:      photos,
		Cluster:     session.Layer.Options(),
	})
}

func (s *Server) deleteOverlay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "overlay_id")
	session, err := s.store.Delete(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.detach(session)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) touch(ctx context.Context, id string) {
	if err := s.store.Touch(ctx, id, s.clock.Now()); err != nil {
		s.logger.Debug("touch overlay failed", zap.String("overlay_id", id), zap.Error(err))
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (storage.Session, bool) {
	id := chi.URLParam(r, "overlay_id")
	session, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return storage.Session{}, false
	}
	return session, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrOverlayNotFound) {
		writeError(w, http.StatusNotFound, "overlay not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

type boundsRequest struct {
	North float64 `json:"north"`
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
}

func (b boundsRequest) bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.West, b.South}, Max: orb.Point{b.East, b.North}}
}

type viewportRequest struct {
	Zoom        *int          `json:"zoom"`
	PixelOrigin []float64     `json:"pixel_origin"`
	Bounds      boundsRequest `json:"bounds"`
}

type parsedViewport struct {
	Zoom   int
	Origin [2]float64
	Bounds boundsRequest
}

func (p parsedViewport) origin() orb.Point {
	return orb.Point{p.Origin[0], p.Origin[1]}
}

func (req viewportRequest) validate() (parsedViewport, error) {
	if req.Zoom == nil {
		return parsedViewport{}, errors.New("zoom required")
	}
	if *req.Zoom < 0 {
		return parsedViewport{}, errors.New("zoom must be >= 0")
	}
	if len(req.PixelOrigin) != 2 {
		return parsedViewport{}, errors.New("pixel_origin must be [x, y]")
	}
	b := req.Bounds
	if b.South > b.North {
		return parsedViewport{}, errors.New("bounds.south must be <= bounds.north")
	}
	if b.North > 90 || b.South < -90 {
		return parsedViewport{}, errors.New("bounds latitude out of range")
	}
	if b.West > b.East {
		return parsedViewport{}, errors.New("bounds.west must be <= bounds.east")
	}
	return parsedViewport{
		Zoom:   *req.Zoom,
		Origin: [2]float64{req.PixelOrigin[0], req.PixelOrigin[1]},
		Bounds: b,
	}, nil
}

func decodeViewport(w http.ResponseWriter, r *http.Request) (parsedViewport, bool) {
	var req viewportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return parsedViewport{}, false
	}
	parsed, err := req.validate()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return parsedViewport{}, false
	}
	return parsed, true
}

type viewportResponse struct {
	OverlayID string `json:"overlay_id"`
	Fetching  bool   `json:"fetching"`
}

type photosResponse struct {
	OverlayID   string                   `json:"overlay_id"`
	Pending     bool                     `json:"pending"`
	LastOutcome string                   `json:"last_outcome"`
	Count       int                      `json:"count"`
	Photos      []overlay.Photo          `json:"photos"`
	Cluster     rendermem.ClusterOptions `json:"cluster"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestIDFrom(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestIDFrom(r.Context())),
						zap.Any("error", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
