// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/commons-photos/internal/overlay"
	"github.com/JakeFAU/commons-photos/internal/render/memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Overlay    OverlayConfig    `mapstructure:"overlay"`
	Cluster    ClusterConfig    `mapstructure:"cluster"`
	Commons    CommonsConfig    `mapstructure:"commons"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Events     EventsConfig     `mapstructure:"events"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
	MaxOverlays            int `mapstructure:"max_overlays"`
	// IdleTimeoutSeconds detaches overlays not touched for this long; 0
	// keeps them until deleted.
	IdleTimeoutSeconds  int `mapstructure:"idle_timeout_seconds"`
	ReapIntervalSeconds int `mapstructure:"reap_interval_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// OverlayConfig governs when and how much the overlay loads.
type OverlayConfig struct {
	MinZoom                int     `mapstructure:"min_zoom"`
	MaxImagesPerRequest    int     `mapstructure:"max_images_per_request"`
	ThumbSize              int     `mapstructure:"thumb_size"`
	ImageSize              int     `mapstructure:"image_size"`
	UpdateMinPixelDistance float64 `mapstructure:"update_min_pixel_distance"`
	MaxBBoxSquareMeters    float64 `mapstructure:"max_bbox_square_meters"`
}

// ClusterConfig holds options passed through to the marker cluster layer.
type ClusterConfig struct {
	MaxClusterRadius           int     `mapstructure:"max_cluster_radius"`
	ShowCoverageOnHover        bool    `mapstructure:"show_coverage_on_hover"`
	SpiderfyDistanceMultiplier float64 `mapstructure:"spiderfy_distance_multiplier"`
	ImageClickClosesPopup      bool    `mapstructure:"image_click_closes_popup"`
}

// CommonsConfig points at the Wikimedia endpoints.
type CommonsConfig struct {
	APIURL    string `mapstructure:"api_url"`
	ThumbBase string `mapstructure:"thumb_base"`
	WikiBase  string `mapstructure:"wiki_base"`
}

// HTTPConfig configures the outbound geosearch client.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// RateLimitConfig bounds outbound queries per host.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// DispatcherConfig sizes the shared geosearch worker pool.
type DispatcherConfig struct {
	Workers    int `mapstructure:"workers"`
	QueueDepth int `mapstructure:"queue_depth"`
}

// EventsConfig tunes the overlay event hub and per-overlay history.
type EventsConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMS int `mapstructure:"max_batch_wait_ms"`
	HistoryDepth   int `mapstructure:"history_depth"`
	// LogEnabled and PrometheusEnabled toggle the corresponding sinks.
	LogEnabled        bool `mapstructure:"log_enabled"`
	PrometheusEnabled bool `mapstructure:"prometheus_enabled"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	// OTLPEndpoint is the collector host:port; empty keeps spans in-process.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COMMONS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("server.max_overlays", 1024)
	v.SetDefault("server.idle_timeout_seconds", 1800)
	v.SetDefault("server.reap_interval_seconds", 60)
	v.SetDefault("overlay.min_zoom", overlay.DefaultMinZoom)
	v.SetDefault("overlay.max_images_per_request", overlay.DefaultMaxImagesPerRequest)
	v.SetDefault("overlay.thumb_size", overlay.DefaultThumbSize)
	v.SetDefault("overlay.image_size", overlay.DefaultImageSize)
	v.SetDefault("overlay.update_min_pixel_distance", overlay.DefaultUpdateMinPixelDistance)
	v.SetDefault("overlay.max_bbox_square_meters", overlay.DefaultMaxBBoxSquareMeters)
	v.SetDefault("cluster.max_cluster_radius", 50)
	v.SetDefault("cluster.show_coverage_on_hover", true)
	v.SetDefault("cluster.spiderfy_distance_multiplier", 2)
	v.SetDefault("cluster.image_click_closes_popup", true)
	v.SetDefault("commons.api_url", "https://commons.wikimedia.org/w/api.php")
	v.SetDefault("commons.thumb_base", overlay.DefaultThumbBase)
	v.SetDefault("commons.wiki_base", overlay.DefaultWikiBase)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.user_agent", "commons-photos/0.1 (+https://github.com/JakeFAU/commons-photos)")
	v.SetDefault("ratelimit.requests_per_second", 5)
	v.SetDefault("ratelimit.burst", 5)
	v.SetDefault("dispatcher.workers", 4)
	v.SetDefault("dispatcher.queue_depth", 64)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 256)
	v.SetDefault("events.max_batch_wait_ms", 250)
	v.SetDefault("events.history_depth", 32)
	v.SetDefault("events.log_enabled", true)
	v.SetDefault("events.prometheus_enabled", true)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "commons-photos")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.MaxOverlays <= 0 {
		return fmt.Errorf("server.max_overlays must be > 0")
	}
	if c.Server.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("server.idle_timeout_seconds must be >= 0")
	}
	if c.Server.IdleTimeoutSeconds > 0 && c.Server.ReapIntervalSeconds <= 0 {
		return fmt.Errorf("server.reap_interval_seconds must be > 0 when idle timeout is set")
	}
	if c.Overlay.MinZoom < 0 {
		return fmt.Errorf("overlay.min_zoom must be >= 0")
	}
	if c.Overlay.MaxImagesPerRequest <= 0 || c.Overlay.MaxImagesPerRequest > 500 {
		return fmt.Errorf("overlay.max_images_per_request must be between 1 and 500")
	}
	if c.Overlay.ThumbSize <= 0 || c.Overlay.ImageSize <= 0 {
		return fmt.Errorf("overlay.thumb_size and overlay.image_size must be > 0")
	}
	if c.Overlay.UpdateMinPixelDistance < 0 {
		return fmt.Errorf("overlay.update_min_pixel_distance must be >= 0")
	}
	if c.Overlay.MaxBBoxSquareMeters <= 0 {
		return fmt.Errorf("overlay.max_bbox_square_meters must be > 0")
	}
	if c.Commons.APIURL == "" {
		return fmt.Errorf("commons.api_url must be set")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("ratelimit.requests_per_second must be >= 0")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("ratelimit.burst must be > 0 when rate limiting is enabled")
	}
	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher.workers must be > 0")
	}
	if c.Dispatcher.QueueDepth < 0 {
		return fmt.Errorf("dispatcher.queue_depth must be >= 0")
	}
	if c.Events.BufferSize < 0 || c.Events.MaxBatchEvents < 0 || c.Events.MaxBatchWaitMS < 0 {
		return fmt.Errorf("events buffer and batch settings must be >= 0")
	}
	if c.Events.HistoryDepth < 0 {
		return fmt.Errorf("events.history_depth must be >= 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// OverlayOptions converts the overlay section into overlay.Options.
func (c Config) OverlayOptions() overlay.Options {
	return overlay.Options{
		MinZoom:                c.Overlay.MinZoom,
		MaxImagesPerRequest:    c.Overlay.MaxImagesPerRequest,
		ThumbSize:              c.Overlay.ThumbSize,
		ImageSize:              c.Overlay.ImageSize,
		UpdateMinPixelDistance: c.Overlay.UpdateMinPixelDistance,
		MaxBBoxSquareMeters:    c.Overlay.MaxBBoxSquareMeters,
	}
}

// PathConfig converts the commons endpoints into overlay.PathConfig.
func (c Config) PathConfig() overlay.PathConfig {
	return overlay.PathConfig{
		ThumbBase: c.Commons.ThumbBase,
		WikiBase:  c.Commons.WikiBase,
		ThumbSize: c.Overlay.ThumbSize,
		ImageSize: c.Overlay.ImageSize,
	}
}

// ClusterOptions converts the cluster section, deriving the popup width from
// the image size.
func (c Config) ClusterOptions() memory.ClusterOptions {
	return memory.ClusterOptions{
		MaxClusterRadius:           c.Cluster.MaxClusterRadius,
		ShowCoverageOnHover:        c.Cluster.ShowCoverageOnHover,
		SpiderfyDistanceMultiplier: c.Cluster.SpiderfyDistanceMultiplier,
		ImageClickClosesPopup:      c.Cluster.ImageClickClosesPopup,
		PopupMinWidth:              c.Overlay.ImageSize - 1,
	}
}

// FetchTimeout converts the HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// EventBatchWait converts the event batching window into a duration.
func (c Config) EventBatchWait() time.Duration {
	return time.Duration(c.Events.MaxBatchWaitMS) * time.Millisecond
}

// IdleTimeout is how long an untouched overlay stays attached. Zero disables
// reaping.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.Server.IdleTimeoutSeconds) * time.Second
}

// ReapInterval is how often idle overlays are looked for.
func (c Config) ReapInterval() time.Duration {
	return time.Duration(c.Server.ReapIntervalSeconds) * time.Second
}

// ShutdownTimeout converts the server shutdown budget into a duration.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
