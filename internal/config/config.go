// Package config loads CLI settings from a config file, a .env file and
// HTTPENGINE_* environment variables.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"dqx0.com/go/httpengine/httpx"
	"dqx0.com/go/httpengine/internal/obs"
)

const EnvPrefix = "HTTPENGINE"

// Config is the root configuration of the httpengine CLI.
type Config struct {
	Logger  obs.LoggerConfig `mapstructure:"logger"`
	Engine  EngineConfig     `mapstructure:"engine"`
	Metrics MetricsConfig    `mapstructure:"metrics"`
}

// EngineConfig mirrors httpx.Config in file-friendly form.
type EngineConfig struct {
	ChannelCount         int           `mapstructure:"channel_count"`
	PipelineLength       int           `mapstructure:"pipeline_length"`
	Pipelining           bool          `mapstructure:"pipelining"`
	MaxConcurrentStreams int           `mapstructure:"max_concurrent_streams"`
	ForceMultiplexed     bool          `mapstructure:"force_multiplexed"`
	DisableMultiplexing  bool          `mapstructure:"disable_multiplexing"`
	DialTimeout          time.Duration `mapstructure:"dial_timeout"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
	HappyEyeballsDelay   time.Duration `mapstructure:"happy_eyeballs_delay"`
	MaxRetries           int           `mapstructure:"max_retries"`
	MaxHeaderBytes       int           `mapstructure:"max_header_bytes"`
	MaxRedirects         int           `mapstructure:"max_redirects"`
	DisableCompression   bool          `mapstructure:"disable_compression"`
	UserAgent            string        `mapstructure:"user_agent"`
	RequestIDs           bool          `mapstructure:"request_ids"`
	// Proxy is empty for direct connections, "env" to honor HTTP_PROXY
	// and friends, or a proxy URL.
	Proxy              string `mapstructure:"proxy"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr      string `mapstructure:"addr"`
	Namespace string `mapstructure:"namespace"`
}

// SetDefaults registers every key so environment overrides apply even
// without a config file.
func SetDefaults(v *viper.Viper) {
	d := httpx.DefaultConfig()

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "httpengine")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.compress", false)

	v.SetDefault("engine.channel_count", d.ChannelCount)
	v.SetDefault("engine.pipeline_length", d.PipelineLength)
	v.SetDefault("engine.pipelining", false)
	v.SetDefault("engine.max_concurrent_streams", d.MaxConcurrentStreams)
	v.SetDefault("engine.force_multiplexed", false)
	v.SetDefault("engine.disable_multiplexing", false)
	v.SetDefault("engine.dial_timeout", d.DialTimeout)
	v.SetDefault("engine.idle_timeout", d.IdleTimeout)
	v.SetDefault("engine.happy_eyeballs_delay", d.HappyEyeballsDelay)
	v.SetDefault("engine.max_retries", d.MaxRetries)
	v.SetDefault("engine.max_header_bytes", d.MaxHeaderBytes)
	v.SetDefault("engine.max_redirects", 10)
	v.SetDefault("engine.disable_compression", false)
	v.SetDefault("engine.user_agent", "httpengine/1.0")
	v.SetDefault("engine.request_ids", false)
	v.SetDefault("engine.proxy", "")
	v.SetDefault("engine.insecure_skip_verify", false)

	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.namespace", "httpengine")
}

// New returns a viper instance with defaults and HTTPENGINE_* overrides.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadEnvFiles loads .env style files into the process environment.
// Missing files are skipped; variables already set are kept.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// ReadFile reads path into v. An empty path searches ./httpengine.yaml
// and tolerates its absence.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("httpengine")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
	}
	return nil
}

// Load decodes and validates the settings held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.Logger.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("config: logger.format must be console or json, got %q", c.Logger.Format)
	}
	return c.Engine.Validate()
}

func (e *EngineConfig) Validate() error {
	var errs []error
	if e.ChannelCount < 0 {
		errs = append(errs, fmt.Errorf("engine.channel_count must not be negative"))
	}
	if e.PipelineLength < 0 {
		errs = append(errs, fmt.Errorf("engine.pipeline_length must not be negative"))
	}
	if e.MaxConcurrentStreams < 0 {
		errs = append(errs, fmt.Errorf("engine.max_concurrent_streams must not be negative"))
	}
	if e.DialTimeout < 0 || e.IdleTimeout < 0 || e.HappyEyeballsDelay < 0 {
		errs = append(errs, fmt.Errorf("engine timeouts must not be negative"))
	}
	if e.ForceMultiplexed && e.DisableMultiplexing {
		errs = append(errs, fmt.Errorf("engine.force_multiplexed conflicts with engine.disable_multiplexing"))
	}
	if e.Proxy != "" && e.Proxy != "env" {
		if _, err := parseProxy(e.Proxy); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func parseProxy(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("engine.proxy: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("engine.proxy: unsupported proxy %q", raw)
	}
	return u, nil
}

// ToEngine converts e into an httpx.Config using logger and meter.
func (e *EngineConfig) ToEngine(logger *zap.Logger, meter obs.Meter) (httpx.Config, error) {
	cfg := httpx.Config{
		ChannelCount:         e.ChannelCount,
		PipelineLength:       e.PipelineLength,
		Pipelining:           e.Pipelining,
		MaxConcurrentStreams: e.MaxConcurrentStreams,
		ForceMultiplexed:     e.ForceMultiplexed,
		DisableMultiplexing:  e.DisableMultiplexing,
		DialTimeout:          e.DialTimeout,
		IdleTimeout:          e.IdleTimeout,
		HappyEyeballsDelay:   e.HappyEyeballsDelay,
		MaxRetries:           e.MaxRetries,
		MaxHeaderBytes:       e.MaxHeaderBytes,
		DisableCompression:   e.DisableCompression,
		UserAgent:            e.UserAgent,
		RequestIDs:           e.RequestIDs,
		Logger:               logger,
		Meter:                meter,
	}
	switch e.Proxy {
	case "":
	case "env":
		cfg.Proxy = httpx.ProxyFromEnvironment
	default:
		u, err := parseProxy(e.Proxy)
		if err != nil {
			return httpx.Config{}, err
		}
		cfg.Proxy = httpx.ProxyURL(u)
	}
	if e.InsecureSkipVerify {
		cfg.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for test servers
	}
	return cfg, nil
}
