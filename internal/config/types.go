package config

import (
	"time"

	"optcollect/internal/collector"
	"optcollect/internal/ratelimit"
)

// Config is the main configuration carrier.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Database  DatabaseConfig  `yaml:"database"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Collector CollectorConfig `yaml:"collector"`
}

type AppConfig struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	HTTPAddr string `yaml:"http_addr"`
	LogPath  string `yaml:"log_path"`
}

type DatabaseConfig struct {
	Path         string `yaml:"path"`
	ReadPoolSize int    `yaml:"read_pool_size"`
}

type RateWindowConfig struct {
	Name        string `yaml:"name"`
	Limit       int    `yaml:"limit"`
	SpanSeconds int    `yaml:"span_seconds"`
}

type RateLimitConfig struct {
	Windows          []RateWindowConfig `yaml:"windows"`
	BackoffStep      float64            `yaml:"backoff_step"`
	BackoffCap       float64            `yaml:"backoff_cap"`
	BackoffDecay     float64            `yaml:"backoff_decay"`
	RetryWaitSeconds int                `yaml:"retry_wait_seconds"`
}

type UpstreamConfig struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type CollectorConfig struct {
	MaxParallelInstruments    int    `yaml:"max_parallel_instruments"`
	Workers                   int    `yaml:"workers"`
	ExpiryLookbackMonths      int    `yaml:"expiry_lookback_months"`
	CandleLookbackDays        int    `yaml:"candle_lookback_days"`
	Interval                  string `yaml:"interval"`
	AutoResumeIntervalMinutes int    `yaml:"auto_resume_interval_minutes"`
}

// LimiterConfig converts the rate-limit section for the limiter.
func (c *Config) LimiterConfig() ratelimit.Config {
	out := ratelimit.Config{
		BackoffStep:      c.RateLimit.BackoffStep,
		BackoffCap:       c.RateLimit.BackoffCap,
		BackoffDecay:     c.RateLimit.BackoffDecay,
		DefaultRetryWait: time.Duration(c.RateLimit.RetryWaitSeconds) * time.Second,
	}
	out.Windows = c.RateLimit.windowConfigs()
	return out
}

func (r RateLimitConfig) windowConfigs() []ratelimit.WindowConfig {
	out := make([]ratelimit.WindowConfig, 0, len(r.Windows))
	for _, w := range r.Windows {
		out = append(out, ratelimit.WindowConfig{
			Name:  w.Name,
			Limit: w.Limit,
			Span:  time.Duration(w.SpanSeconds) * time.Second,
		})
	}
	return out
}

// CollectorConfig converts the collector section for the orchestrator.
func (c *Config) OrchestratorConfig() collector.Config {
	return collector.Config{
		MaxParallelInstruments: c.Collector.MaxParallelInstruments,
		Workers:                c.Collector.Workers,
		ExpiryLookbackMonths:   c.Collector.ExpiryLookbackMonths,
		CandleLookbackDays:     c.Collector.CandleLookbackDays,
		Interval:               c.Collector.Interval,
	}
}

// AutoResumeInterval returns the periodic resume cadence; zero disables it.
func (c *Config) AutoResumeInterval() time.Duration {
	if c.Collector.AutoResumeIntervalMinutes <= 0 {
		return 0
	}
	return time.Duration(c.Collector.AutoResumeIntervalMinutes) * time.Minute
}
