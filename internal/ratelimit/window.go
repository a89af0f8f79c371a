package ratelimit

import "time"

// WindowConfig describes one sliding quota window.
type WindowConfig struct {
	Name  string
	Limit int
	Span  time.Duration
}

// window keeps the admission timestamps that still fall inside the span.
type window struct {
	cfg    WindowConfig
	stamps []time.Time
}

func newWindow(cfg WindowConfig) *window {
	return &window{cfg: cfg}
}

// evict drops timestamps older than the window span.
func (w *window) evict(now time.Time) {
	cutoff := now.Add(-w.cfg.Span)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// effectiveLimit derates the configured limit by the current backoff factor.
// Never returns less than 1 so the limiter cannot deadlock itself.
func (w *window) effectiveLimit(backoff float64) int {
	if backoff < 1 {
		backoff = 1
	}
	lim := int(float64(w.cfg.Limit) / backoff)
	if lim < 1 {
		lim = 1
	}
	return lim
}

// waitUntilFree returns how long the dispatcher must sleep before this
// window has headroom again. Zero means the window can admit now.
func (w *window) waitUntilFree(now time.Time, backoff float64) time.Duration {
	limit := w.effectiveLimit(backoff)
	if len(w.stamps) < limit {
		return 0
	}
	// The oldest stamp that must expire before headroom opens up.
	oldest := w.stamps[len(w.stamps)-limit]
	return oldest.Add(w.cfg.Span).Sub(now)
}

// WindowUsage is a read-only view of one window for observability.
type WindowUsage struct {
	Name           string        `json:"name"`
	Span           time.Duration `json:"span"`
	Limit          int           `json:"limit"`
	EffectiveLimit int           `json:"effective_limit"`
	Used           int           `json:"used"`
	Remaining      int           `json:"remaining"`
}
