package config

import "strings"

const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppHTTPAddr     = ":9981"
	defaultDatabasePath    = "data/optcollect.db"
	defaultReadPoolSize    = 4
	defaultBackoffStep     = 0.5
	defaultBackoffCap      = 4.0
	defaultBackoffDecay    = 0.8
	defaultRetryWaitSecs   = 2
	defaultUpstreamBaseURL = "https://api.upstox.com/v2"
	defaultUpstreamTimeout = 30
	defaultMaxParallel     = 2
	defaultWorkers         = 4
	defaultLookbackMonths  = 6
	defaultLookbackDays    = 90
	defaultInterval        = "day"
)

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.App.Env) == "" {
		c.App.Env = defaultAppEnv
	}
	if strings.TrimSpace(c.App.LogLevel) == "" {
		c.App.LogLevel = defaultAppLogLevel
	}
	if strings.TrimSpace(c.App.HTTPAddr) == "" {
		c.App.HTTPAddr = defaultAppHTTPAddr
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		c.Database.Path = defaultDatabasePath
	}
	if c.Database.ReadPoolSize <= 0 {
		c.Database.ReadPoolSize = defaultReadPoolSize
	}
	if len(c.RateLimit.Windows) == 0 {
		c.RateLimit.Windows = []RateWindowConfig{
			{Name: "per_second", Limit: 25, SpanSeconds: 1},
			{Name: "per_minute", Limit: 250, SpanSeconds: 60},
			{Name: "per_half_hour", Limit: 1000, SpanSeconds: 1800},
		}
	}
	if c.RateLimit.BackoffStep <= 0 {
		c.RateLimit.BackoffStep = defaultBackoffStep
	}
	// Zero means unset. Out-of-range values are left for validate to reject.
	if c.RateLimit.BackoffCap == 0 {
		c.RateLimit.BackoffCap = defaultBackoffCap
	}
	if c.RateLimit.BackoffDecay == 0 {
		c.RateLimit.BackoffDecay = defaultBackoffDecay
	}
	if c.RateLimit.RetryWaitSeconds <= 0 {
		c.RateLimit.RetryWaitSeconds = defaultRetryWaitSecs
	}
	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		c.Upstream.BaseURL = defaultUpstreamBaseURL
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = defaultUpstreamTimeout
	}
	if c.Collector.MaxParallelInstruments <= 0 {
		c.Collector.MaxParallelInstruments = defaultMaxParallel
	}
	if c.Collector.Workers <= 0 {
		c.Collector.Workers = defaultWorkers
	}
	if c.Collector.ExpiryLookbackMonths <= 0 {
		c.Collector.ExpiryLookbackMonths = defaultLookbackMonths
	}
	if c.Collector.CandleLookbackDays <= 0 {
		c.Collector.CandleLookbackDays = defaultLookbackDays
	}
	if strings.TrimSpace(c.Collector.Interval) == "" {
		c.Collector.Interval = defaultInterval
	}
}
