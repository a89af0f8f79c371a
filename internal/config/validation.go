package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	if err := c.RateLimit.validate(); err != nil {
		return err
	}
	if err := c.Collector.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		return fmt.Errorf("upstream.base_url cannot be empty")
	}
	return nil
}

func (r RateLimitConfig) validate() error {
	for _, w := range r.Windows {
		if strings.TrimSpace(w.Name) == "" {
			return fmt.Errorf("ratelimit.windows entries require a name")
		}
		if w.Limit <= 0 {
			return fmt.Errorf("ratelimit.windows.%s: limit must be > 0", w.Name)
		}
		if w.SpanSeconds <= 0 {
			return fmt.Errorf("ratelimit.windows.%s: span_seconds must be > 0", w.Name)
		}
	}
	if r.BackoffCap < 1 {
		return fmt.Errorf("ratelimit.backoff_cap must be >= 1")
	}
	if r.BackoffDecay <= 0 || r.BackoffDecay >= 1 {
		return fmt.Errorf("ratelimit.backoff_decay must be in (0,1)")
	}
	return nil
}

func (c CollectorConfig) validate() error {
	if c.MaxParallelInstruments < 1 {
		return fmt.Errorf("collector.max_parallel_instruments must be >= 1")
	}
	if c.Workers < 1 || c.Workers > 16 {
		return fmt.Errorf("collector.workers must be in [1,16]")
	}
	if c.CandleLookbackDays < 1 {
		return fmt.Errorf("collector.candle_lookback_days must be >= 1")
	}
	return nil
}
