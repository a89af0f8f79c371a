// Package ratelimit bounds outbound request volume under several
// overlapping sliding-window quotas. Requests are admitted by a single
// dispatcher goroutine in (priority, arrival) order, and an adaptive
// backoff factor derates every window after observed 429 responses.
package ratelimit

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"optcollect/internal/logger"
)

// epsilon is added to admission waits so a re-check lands strictly after
// the blocking timestamp has left the window.
const epsilon = 5 * time.Millisecond

// Config controls window quotas and backoff behaviour.
type Config struct {
	Windows          []WindowConfig
	BackoffStep      float64       // added to the factor per 429
	BackoffCap       float64       // upper bound on the factor
	BackoffDecay     float64       // (factor-1) multiplier per success, in [0,1)
	DefaultRetryWait time.Duration // used when a 429 carries no Retry-After
}

func (c Config) withDefaults() Config {
	if len(c.Windows) == 0 {
		c.Windows = []WindowConfig{
			{Name: "per_second", Limit: 25, Span: time.Second},
			{Name: "per_minute", Limit: 250, Span: time.Minute},
			{Name: "per_half_hour", Limit: 1000, Span: 30 * time.Minute},
		}
	}
	if c.BackoffStep <= 0 {
		c.BackoffStep = 0.5
	}
	if c.BackoffCap < 1 {
		c.BackoffCap = 4.0
	}
	if c.BackoffDecay <= 0 || c.BackoffDecay >= 1 {
		c.BackoffDecay = 0.8
	}
	if c.DefaultRetryWait <= 0 {
		c.DefaultRetryWait = 2 * time.Second
	}
	return c
}

// Limiter admits requests under every configured window at once.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	windows []*window
	queue   waiterQueue
	seq     uint64
	backoff float64

	requests   uint64
	rejections uint64

	wake   chan struct{}
	closed chan struct{}
	once   sync.Once

	nowFn func() time.Time
}

// New builds a limiter and starts its dispatcher goroutine.
func New(cfg Config) *Limiter {
	final := cfg.withDefaults()
	l := &Limiter{
		cfg:     final,
		backoff: 1.0,
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
		nowFn:   time.Now,
	}
	for _, wc := range final.Windows {
		l.windows = append(l.windows, newWindow(wc))
	}
	go l.dispatch()
	return l
}

// Close stops the dispatcher. Pending Acquire calls keep blocking until
// their context is cancelled.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.closed) })
}

// Acquire blocks until the request is admitted under every window, or the
// context is cancelled. Lower priority values jump ahead of queued work.
func (l *Limiter) Acquire(ctx context.Context, prio Priority) error {
	w := &waiter{prio: prio, ready: make(chan struct{})}

	l.mu.Lock()
	l.seq++
	w.seq = l.seq
	l.requests++
	heap.Push(&l.queue, w)
	l.mu.Unlock()
	l.signal()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if w.index >= 0 {
			heap.Remove(&l.queue, w.index)
			l.mu.Unlock()
			return ctx.Err()
		}
		l.mu.Unlock()
		// Lost the race: the dispatcher already admitted us.
		return nil
	}
}

// HandleResponse couples observed server pressure to future admission.
// On a 429 it raises the backoff factor and sleeps out the signalled
// retry delay; on success it decays the factor toward 1.0.
func (l *Limiter) HandleResponse(ctx context.Context, status int, retryAfter time.Duration) error {
	if status == 429 {
		l.mu.Lock()
		l.rejections++
		l.backoff += l.cfg.BackoffStep
		if l.backoff > l.cfg.BackoffCap {
			l.backoff = l.cfg.BackoffCap
		}
		factor := l.backoff
		wait := retryAfter
		if wait <= 0 {
			wait = l.cfg.DefaultRetryWait
		}
		l.mu.Unlock()
		logger.Warnf("ratelimit: upstream 429, backoff=%.2f wait=%s", factor, wait)

		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	if status >= 200 && status < 300 {
		l.mu.Lock()
		l.backoff = 1 + (l.backoff-1)*l.cfg.BackoffDecay
		// Multiplicative decay never reaches 1.0 exactly; snap within 1%.
		if l.backoff < 1.01 {
			l.backoff = 1.0
		}
		l.mu.Unlock()
	}
	return nil
}

// Backoff returns the current derating factor.
func (l *Limiter) Backoff() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backoff
}

// Stats is the limiter-wide observability snapshot.
type Stats struct {
	Backoff    float64       `json:"backoff_factor"`
	Requests   uint64        `json:"requests"`
	Rejections uint64        `json:"rejections"`
	Queued     int           `json:"queued"`
	Windows    []WindowUsage `json:"windows"`
}

// UsageStats returns a read-only snapshot per window. It never mutates
// limiter state beyond evicting expired timestamps.
func (l *Limiter) UsageStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	st := Stats{
		Backoff:    l.backoff,
		Requests:   l.requests,
		Rejections: l.rejections,
		Queued:     len(l.queue),
	}
	for _, w := range l.windows {
		w.evict(now)
		eff := w.effectiveLimit(l.backoff)
		st.Windows = append(st.Windows, WindowUsage{
			Name:           w.cfg.Name,
			Span:           w.cfg.Span,
			Limit:          w.cfg.Limit,
			EffectiveLimit: eff,
			Used:           len(w.stamps),
			Remaining:      max(eff-len(w.stamps), 0),
		})
	}
	return st
}

// UpdateLimits replaces window quotas at runtime (config hot reload).
// Timestamps of windows that keep their name are preserved.
func (l *Limiter) UpdateLimits(windows []WindowConfig) error {
	if len(windows) == 0 {
		return fmt.Errorf("ratelimit: at least one window is required")
	}
	for _, wc := range windows {
		if wc.Limit <= 0 || wc.Span <= 0 {
			return fmt.Errorf("ratelimit: window %q needs positive limit and span", wc.Name)
		}
	}
	l.mu.Lock()
	old := make(map[string][]time.Time, len(l.windows))
	for _, w := range l.windows {
		old[w.cfg.Name] = w.stamps
	}
	l.windows = l.windows[:0]
	for _, wc := range windows {
		w := newWindow(wc)
		w.stamps = old[wc.Name]
		l.windows = append(l.windows, w)
	}
	l.mu.Unlock()
	l.signal()
	return nil
}

func (l *Limiter) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// dispatch drains the priority queue head-first. The head is admitted only
// once every window has headroom under its effective limit; otherwise the
// dispatcher sleeps until the blocking timestamp expires and re-checks.
func (l *Limiter) dispatch() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			select {
			case <-l.wake:
				continue
			case <-l.closed:
				return
			}
		}

		now := l.nowFn()
		var wait time.Duration
		for _, w := range l.windows {
			w.evict(now)
			if d := w.waitUntilFree(now, l.backoff); d > wait {
				wait = d
			}
		}
		if wait > 0 {
			l.mu.Unlock()
			timer := time.NewTimer(wait + epsilon)
			select {
			case <-timer.C:
			case <-l.wake:
				// Re-check immediately: limits may have changed.
			case <-l.closed:
				timer.Stop()
				return
			}
			timer.Stop()
			continue
		}

		head := heap.Pop(&l.queue).(*waiter)
		for _, w := range l.windows {
			w.stamps = append(w.stamps, now)
		}
		l.mu.Unlock()
		close(head.ready)
	}
}
