// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface is the read-only view of the configuration handed to components.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Server() ServerConfig
	RateLimit() RateLimitConfig
	Cache() CacheConfig
	Browser() BrowserConfig
	Navigation() NavigationConfig
	Capture() CaptureConfig
	RequestLog() RequestLogConfig
}

// Config is the root configuration for the application.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	ServerCfg     ServerConfig     `mapstructure:"server" yaml:"server"`
	RateLimitCfg  RateLimitConfig  `mapstructure:"rate_limit" yaml:"rate_limit"`
	CacheCfg      CacheConfig      `mapstructure:"cache" yaml:"cache"`
	BrowserCfg    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	NavigationCfg NavigationConfig `mapstructure:"navigation" yaml:"navigation"`
	CaptureCfg    CaptureConfig    `mapstructure:"capture" yaml:"capture"`
	RequestLogCfg RequestLogConfig `mapstructure:"request_log" yaml:"request_log"`
}

var _ Interface = (*Config)(nil)

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig     { return c.DatabaseCfg }
func (c *Config) Server() ServerConfig         { return c.ServerCfg }
func (c *Config) RateLimit() RateLimitConfig   { return c.RateLimitCfg }
func (c *Config) Cache() CacheConfig           { return c.CacheCfg }
func (c *Config) Browser() BrowserConfig       { return c.BrowserCfg }
func (c *Config) Navigation() NavigationConfig { return c.NavigationCfg }
func (c *Config) Capture() CaptureConfig       { return c.CaptureCfg }
func (c *Config) RequestLog() RequestLogConfig { return c.RequestLogCfg }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the database connection details. An empty URL runs the
// service without request logging.
type DatabaseConfig struct {
	URL         string `mapstructure:"url" yaml:"url"`
	AutoMigrate bool   `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	APIKey          string        `mapstructure:"api_key" yaml:"-"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	GzipMinSize     int           `mapstructure:"gzip_min_size" yaml:"gzip_min_size"`
	MaxFormBytes    int64         `mapstructure:"max_form_bytes" yaml:"max_form_bytes"`
}

// AuthDisabled reports whether bearer authentication is switched off.
func (s ServerConfig) AuthDisabled() bool {
	return s.APIKey == "" || strings.EqualFold(s.APIKey, "none")
}

// RateLimitConfig defines the per-client quota for the browser-backed endpoints.
type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	IdleEviction      time.Duration `mapstructure:"idle_eviction" yaml:"idle_eviction"`
}

// CacheConfig tunes the response cache.
type CacheConfig struct {
	TTL              time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Shards           int           `mapstructure:"shards" yaml:"shards"`
	CompressionLevel int           `mapstructure:"compression_level" yaml:"compression_level"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// BrowserConfig holds settings for the headless browser instances.
type BrowserConfig struct {
	ExecPath        string   `mapstructure:"exec_path" yaml:"exec_path"`
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	DisableGPU      bool     `mapstructure:"disable_gpu" yaml:"disable_gpu"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string `mapstructure:"args" yaml:"args"`
	UserAgent       string   `mapstructure:"user_agent" yaml:"user_agent"`
	ViewportWidth   int      `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight  int      `mapstructure:"viewport_height" yaml:"viewport_height"`
	VideoWidth      int      `mapstructure:"video_width" yaml:"video_width"`
	VideoHeight     int      `mapstructure:"video_height" yaml:"video_height"`
	TempDir         string   `mapstructure:"temp_dir" yaml:"temp_dir"`
	Supported       []string `mapstructure:"supported" yaml:"supported"`
	DefaultName     string   `mapstructure:"default_name" yaml:"default_name"`
	MaxConcurrent   int      `mapstructure:"max_concurrent" yaml:"max_concurrent"`
}

// NavigationConfig bounds every phase of the navigation state machine.
type NavigationConfig struct {
	DispatchTimeout    time.Duration `mapstructure:"dispatch_timeout" yaml:"dispatch_timeout"`
	ContentTimeout     time.Duration `mapstructure:"content_timeout" yaml:"content_timeout"`
	NetworkIdleTimeout time.Duration `mapstructure:"network_idle_timeout" yaml:"network_idle_timeout"`
	LoadTimeout        time.Duration `mapstructure:"load_timeout" yaml:"load_timeout"`
	QuietPeriod        time.Duration `mapstructure:"quiet_period" yaml:"quiet_period"`
	BannerTimeout      time.Duration `mapstructure:"banner_timeout" yaml:"banner_timeout"`
	ScrollStep         int           `mapstructure:"scroll_step" yaml:"scroll_step"`
	ScrollDelay        time.Duration `mapstructure:"scroll_delay" yaml:"scroll_delay"`
	ScrollTimeout      time.Duration `mapstructure:"scroll_timeout" yaml:"scroll_timeout"`
	BannerSelectors    []string      `mapstructure:"banner_selectors" yaml:"banner_selectors"`
	BannerTexts        []string      `mapstructure:"banner_texts" yaml:"banner_texts"`
}

// CaptureConfig controls which artifacts are collected and how they are encoded.
type CaptureConfig struct {
	ResponseBodies   bool          `mapstructure:"response_bodies" yaml:"response_bodies"`
	MaxBodyBytes     int           `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	BodyFetchTimeout time.Duration `mapstructure:"body_fetch_timeout" yaml:"body_fetch_timeout"`
	ThumbnailSize    int           `mapstructure:"thumbnail_size" yaml:"thumbnail_size"`
	ImageQuality     int           `mapstructure:"image_quality" yaml:"image_quality"`
	Video            bool          `mapstructure:"video" yaml:"video"`
	VideoMaxFrames   int           `mapstructure:"video_max_frames" yaml:"video_max_frames"`
	FinalizeTimeout  time.Duration `mapstructure:"finalize_timeout" yaml:"finalize_timeout"`
}

// RequestLogConfig configures the asynchronous request log writer.
type RequestLogConfig struct {
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	BufferSize    int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	HistoryLimit  int           `mapstructure:"history_limit" yaml:"history_limit"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-render")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Database --
	v.SetDefault("database.url", "")
	v.SetDefault("database.auto_migrate", true)

	// -- Server --
	v.SetDefault("server.listen_addr", "0.0.0.0:8000")
	v.SetDefault("server.api_key", "none")
	v.SetDefault("server.request_timeout", "180s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.gzip_min_size", 500)
	v.SetDefault("server.max_form_bytes", 10<<20)

	// -- Rate limiting --
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_minute", 20)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("rate_limit.idle_eviction", "10m")

	// -- Cache --
	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("cache.shards", 16)
	v.SetDefault("cache.compression_level", 5)
	v.SetDefault("cache.sweep_interval", "1m")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_gpu", true)
	v.SetDefault("browser.ignore_tls_errors", true)
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("browser.video_width", 1280)
	v.SetDefault("browser.video_height", 720)
	v.SetDefault("browser.temp_dir", "")
	v.SetDefault("browser.supported", []string{"chromium", "chrome"})
	v.SetDefault("browser.default_name", "chromium")
	v.SetDefault("browser.max_concurrent", 4)

	// -- Navigation --
	v.SetDefault("navigation.dispatch_timeout", "30s")
	v.SetDefault("navigation.content_timeout", "30s")
	v.SetDefault("navigation.network_idle_timeout", "30s")
	v.SetDefault("navigation.load_timeout", "30s")
	v.SetDefault("navigation.quiet_period", "500ms")
	v.SetDefault("navigation.banner_timeout", "5s")
	v.SetDefault("navigation.scroll_step", 400)
	v.SetDefault("navigation.scroll_delay", "100ms")
	v.SetDefault("navigation.scroll_timeout", "20s")
	v.SetDefault("navigation.banner_selectors", DefaultBannerSelectors)
	v.SetDefault("navigation.banner_texts", DefaultBannerTexts)

	// -- Capture --
	v.SetDefault("capture.response_bodies", true)
	v.SetDefault("capture.max_body_bytes", 5<<20)
	v.SetDefault("capture.body_fetch_timeout", "10s")
	v.SetDefault("capture.thumbnail_size", 320)
	v.SetDefault("capture.image_quality", 80)
	v.SetDefault("capture.video", true)
	v.SetDefault("capture.video_max_frames", 300)
	v.SetDefault("capture.finalize_timeout", "20s")

	// -- Request log --
	v.SetDefault("request_log.batch_size", 50)
	v.SetDefault("request_log.flush_interval", "2s")
	v.SetDefault("request_log.buffer_size", 1024)
	v.SetDefault("request_log.history_limit", 50)
}

// DefaultBannerSelectors is the prioritized list of cookie-consent controls.
var DefaultBannerSelectors = []string{
	"#onetrust-accept-btn-handler",
	"#CybotCookiebotDialogBodyLevelButtonLevelOptinAllowAll",
	"#CybotCookiebotDialogBodyButtonAccept",
	"button#L2AGLb",
	".fc-cta-consent",
	"#didomi-notice-agree-button",
	".qc-cmp2-summary-buttons button[mode='primary']",
	"[data-testid='cookie-policy-manage-dialog-accept-button']",
	".cc-allow",
	".cc-btn.cc-dismiss",
	"#cookie-accept",
	"#accept-cookies",
	"button[aria-label*='accept' i]",
	"button[id*='accept' i]",
	"button[class*='accept' i]",
}

// DefaultBannerTexts are button labels tried after the selectors.
var DefaultBannerTexts = []string{
	"accept all",
	"accept all cookies",
	"allow all",
	"i agree",
	"agree",
	"accept",
	"got it",
	"ok",
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets are only ever read from the environment.
	_ = v.BindEnv("server.api_key", "SCALPEL_API_KEY", "API_KEY")
	_ = v.BindEnv("database.url", "SCALPEL_DATABASE_URL", "DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	var err error
	if c.LoggerCfg.LogFile, err = homedir.Expand(c.LoggerCfg.LogFile); err != nil {
		return fmt.Errorf("logger.log_file: %w", err)
	}
	if c.BrowserCfg.TempDir, err = homedir.Expand(c.BrowserCfg.TempDir); err != nil {
		return fmt.Errorf("browser.temp_dir: %w", err)
	}
	if c.BrowserCfg.ExecPath, err = homedir.Expand(c.BrowserCfg.ExecPath); err != nil {
		return fmt.Errorf("browser.exec_path: %w", err)
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.ServerCfg.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is a required configuration field")
	}
	if c.RateLimitCfg.Enabled && c.RateLimitCfg.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be a positive integer")
	}
	if c.CacheCfg.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be a positive duration")
	}
	if c.CacheCfg.Shards <= 0 {
		return fmt.Errorf("cache.shards must be a positive integer")
	}
	if c.CacheCfg.CompressionLevel < 0 || c.CacheCfg.CompressionLevel > 11 {
		return fmt.Errorf("cache.compression_level must be between 0 and 11")
	}
	if len(c.BrowserCfg.Supported) == 0 {
		return fmt.Errorf("browser.supported must list at least one browser")
	}
	if c.BrowserCfg.VideoWidth <= 0 || c.BrowserCfg.VideoHeight <= 0 {
		return fmt.Errorf("browser.video_width and browser.video_height must be positive")
	}
	if c.BrowserCfg.MaxConcurrent <= 0 {
		return fmt.Errorf("browser.max_concurrent must be a positive integer")
	}
	if err := c.NavigationCfg.Validate(); err != nil {
		return fmt.Errorf("navigation configuration invalid: %w", err)
	}
	if c.CaptureCfg.ImageQuality < 1 || c.CaptureCfg.ImageQuality > 100 {
		return fmt.Errorf("capture.image_quality must be between 1 and 100")
	}
	if c.CaptureCfg.ThumbnailSize <= 0 {
		return fmt.Errorf("capture.thumbnail_size must be a positive integer")
	}
	if c.RequestLogCfg.BatchSize <= 0 || c.RequestLogCfg.BufferSize <= 0 {
		return fmt.Errorf("request_log.batch_size and request_log.buffer_size must be positive")
	}
	return nil
}

// Validate checks that every phase of the navigation has a bound.
func (n *NavigationConfig) Validate() error {
	phases := map[string]time.Duration{
		"dispatch_timeout":     n.DispatchTimeout,
		"content_timeout":      n.ContentTimeout,
		"network_idle_timeout": n.NetworkIdleTimeout,
		"load_timeout":         n.LoadTimeout,
		"banner_timeout":       n.BannerTimeout,
		"scroll_timeout":       n.ScrollTimeout,
	}
	for name, d := range phases {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}
	if n.QuietPeriod <= 0 {
		return fmt.Errorf("quiet_period must be a positive duration")
	}
	return nil
}
