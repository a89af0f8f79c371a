package collector

import (
	"context"
	"sync"

	"optcollect/internal/logger"
	"optcollect/internal/store"
)

// ResumeStats summarizes one resume pass.
type ResumeStats struct {
	Pending   int   `json:"pending"`
	Fetched   int   `json:"fetched"`
	NoData    int   `json:"no_data"`
	Candles   int64 `json:"candles"`
	Errors    int   `json:"errors"`
	Instances int   `json:"expiry_groups"`
}

// Resume re-drives collection for exactly the contracts still marked
// data_fetched = false, grouped by (instrument, expiry). It is idempotent:
// candle writes are upserts and completion sets the flag, so a second pass
// with no upstream changes performs zero additional writes.
func (o *Orchestrator) Resume(ctx context.Context) (ResumeStats, error) {
	pending, err := o.store.PendingContracts(ctx)
	if err != nil {
		return ResumeStats{}, err
	}
	sink := &resumeSink{}
	stats := ResumeStats{Pending: len(pending)}
	if len(pending) == 0 {
		return stats, nil
	}

	groups, order := groupByExpiry(pending)
	stats.Instances = len(order)
	logger.Infof("collector: resume found %d pending contract(s) in %d expiry group(s)",
		len(pending), len(order))

	for _, gk := range order {
		if ctx.Err() != nil {
			break
		}
		if err := o.fetchBatches(ctx, groups[gk], o.cfg.Interval, o.cfg.Workers, sink); err != nil {
			// Fatal (authentication) or cancellation: stop the pass.
			sink.fill(&stats)
			return stats, err
		}
	}
	sink.fill(&stats)
	return stats, ctx.Err()
}

type expiryGroup struct {
	instrument string
	expiry     string
}

// groupByExpiry splits pending contracts into (instrument, expiry) groups,
// preserving the store's ordering.
func groupByExpiry(pending []store.ContractRecord) (map[expiryGroup][]store.ContractRecord, []expiryGroup) {
	groups := make(map[expiryGroup][]store.ContractRecord)
	var order []expiryGroup
	for _, rec := range pending {
		gk := expiryGroup{rec.InstrumentKey, rec.ExpiryDate.Format("2006-01-02")}
		if _, ok := groups[gk]; !ok {
			order = append(order, gk)
		}
		groups[gk] = append(groups[gk], rec)
	}
	return groups, order
}

// resumeSink accumulates stats across concurrent fetches.
type resumeSink struct {
	mu      sync.Mutex
	fetched int
	noData  int
	candles int64
	errs    int
}

func (s *resumeSink) recordCandles(rec store.ContractRecord, n int64) {
	s.mu.Lock()
	s.fetched++
	s.candles += n
	s.mu.Unlock()
}

func (s *resumeSink) recordEmpty(rec store.ContractRecord) {
	s.mu.Lock()
	s.fetched++
	s.noData++
	s.mu.Unlock()
}

func (s *resumeSink) recordError(rec store.ContractRecord, err error) {
	s.mu.Lock()
	s.errs++
	s.mu.Unlock()
	logger.Warnf("collector: resume fetch for %s failed: %v", rec.ExpiredKey, err)
}

func (s *resumeSink) fill(stats *ResumeStats) {
	s.mu.Lock()
	stats.Fetched = s.fetched
	stats.NoData = s.noData
	stats.Candles = s.candles
	stats.Errors = s.errs
	s.mu.Unlock()
}
