// Package collyfetcher implements overlay.Searcher against the MediaWiki
// geosearch API using gocolly.
package collyfetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/commons-photos/internal/overlay"
)

// DefaultAPIURL is the Wikimedia Commons action API.
const DefaultAPIURL = "https://commons.wikimedia.org/w/api.php"

const tracerName = "github.com/JakeFAU/commons-photos/internal/fetcher/colly"

// fileNamespace restricts geosearch to media files.
const fileNamespace = 6

var (
	// ErrAPI reports an error object returned by the MediaWiki API.
	ErrAPI = errors.New("geosearch api error")
	// ErrMalformedResponse reports a response without a geosearch result list.
	ErrMalformedResponse = errors.New("geosearch malformed response")
)

// Waiter throttles outgoing requests.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls collector behavior.
type Config struct {
	APIURL    string
	UserAgent string
	Timeout   time.Duration
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Fetcher implements overlay.Searcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	limiter       Waiter
	baseCollector *colly.Collector
	tracer        trace.Tracer
	logger        *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) *Fetcher {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.WithTransport(otelhttp.NewTransport(newHTTPTransport(), otelhttp.WithTracerProvider(tp)))
	// Clones share the backend client, so the timeout is fixed here once.
	c.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		baseCollector: c,
		tracer:        tp.Tracer(tracerName),
		logger:        logger,
	}
}

// Search issues one geosearch GET for req. Cancelling ctx aborts the request
// and yields an error wrapping overlay.ErrCanceled.
func (f *Fetcher) Search(ctx context.Context, req overlay.SearchRequest) ([]overlay.GeoRow, error) {
	ctx, span := f.tracer.Start(ctx, "geosearch", trace.WithAttributes(
		attribute.String("geosearch.bbox", overlay.FormatBBox(req.Bounds)),
		attribute.Int("geosearch.limit", req.Limit),
	))
	defer span.End()

	rows, err := f.search(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("geosearch.rows", len(rows)))
	return rows, nil
}

func (f *Fetcher) search(ctx context.Context, req overlay.SearchRequest) ([]overlay.GeoRow, error) {
	target, err := f.QueryURL(req)
	if err != nil {
		return nil, err
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, target); err != nil {
			return nil, classify(ctx, err)
		}
	}

	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector := f.buildCollector(ctx)
	f.configureCollectorHooks(collector, &body, &status, &fetchErr)

	start := time.Now()
	if err := collector.Visit(target); err != nil {
		return nil, classify(ctx, fmt.Errorf("colly visit failed: %w", err))
	}
	if fetchErr != nil {
		return nil, classify(ctx, fmt.Errorf("colly response failed: %w", fetchErr))
	}
	if ctx.Err() != nil {
		return nil, classify(ctx, ctx.Err())
	}

	rows, err := decodeRows(body)
	if err != nil {
		return nil, err
	}
	f.logger.Debug("geosearch response",
		zap.Int("status", status),
		zap.Int("rows", len(rows)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return rows, nil
}

// QueryURL builds the geosearch request URL for req.
func (f *Fetcher) QueryURL(req overlay.SearchRequest) (string, error) {
	base, err := url.Parse(f.cfg.APIURL)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	q := base.Query()
	q.Set("format", "json")
	q.Set("action", "query")
	q.Set("list", "geosearch")
	q.Set("gsprimary", "all")
	q.Set("gsnamespace", strconv.Itoa(fileNamespace))
	q.Set("gslimit", strconv.Itoa(req.Limit))
	q.Set("gsbbox", overlay.FormatBBox(req.Bounds))
	q.Set("origin", "*")
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.Context = ctx
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, body *[]byte, status *int, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*status = r.StatusCode
		*body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			*status = r.StatusCode
		}
		*fetchErr = err
	})
}

type apiResponse struct {
	Query *struct {
		GeoSearch []overlay.GeoRow `json:"geosearch"`
	} `json:"query"`
	Error *struct {
		Code string `json:"code"`
		Info string `json:"info"`
	} `json:"error"`
}

func decodeRows(body []byte) ([]overlay.GeoRow, error) {
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrAPI, resp.Error.Code, resp.Error.Info)
	}
	if resp.Query == nil {
		return nil, fmt.Errorf("%w: missing query", ErrMalformedResponse)
	}
	return resp.Query.GeoSearch, nil
}

// classify maps failures caused by ctx cancellation onto overlay.ErrCanceled.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", overlay.ErrCanceled, err)
	}
	return err
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
