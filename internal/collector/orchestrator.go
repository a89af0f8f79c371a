// Package collector drives expiry → contract → candle collection with
// bounded parallelism, idempotent resume and live progress reporting.
package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"optcollect/internal/logger"
	"optcollect/internal/ratelimit"
	"optcollect/internal/store"
	"optcollect/internal/upstream"

	"golang.org/x/sync/errgroup"
)

// Config bounds a collection run.
type Config struct {
	MaxParallelInstruments int
	Workers                int
	ExpiryLookbackMonths   int
	CandleLookbackDays     int
	Interval               string
}

func (c Config) withDefaults() Config {
	if c.MaxParallelInstruments <= 0 {
		c.MaxParallelInstruments = 2
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ExpiryLookbackMonths <= 0 {
		c.ExpiryLookbackMonths = 6
	}
	if c.CandleLookbackDays <= 0 {
		c.CandleLookbackDays = 90
	}
	if strings.TrimSpace(c.Interval) == "" {
		c.Interval = "day"
	}
	return c
}

// Params describes one collection task.
type Params struct {
	InstrumentKeys []string
	Expiries       []time.Time // explicit; empty means auto-detect
	Interval       string      // empty means the configured default
	Workers        int         // 0 means the configured default
}

const maxWorkers = 16

// Orchestrator creates, runs and resumes collection tasks. One instance
// is shared by the HTTP layer and the auto-resume scheduler.
type Orchestrator struct {
	cfg      Config
	store    store.Store
	source   upstream.Source
	registry *Registry
}

// New builds an orchestrator.
func New(cfg Config, st store.Store, src upstream.Source, reg *Registry) *Orchestrator {
	return &Orchestrator{cfg: cfg.withDefaults(), store: st, source: src, registry: reg}
}

// Create validates params, registers a task and starts it asynchronously.
// The returned id can be polled immediately.
func (o *Orchestrator) Create(params Params) (string, error) {
	if len(params.InstrumentKeys) == 0 {
		return "", fmt.Errorf("collector: at least one instrument is required")
	}
	for _, key := range params.InstrumentKeys {
		if strings.TrimSpace(key) == "" {
			return "", fmt.Errorf("collector: empty instrument key")
		}
	}
	if params.Workers < 0 || params.Workers > maxWorkers {
		return "", fmt.Errorf("collector: workers must be in [0,%d]", maxWorkers)
	}
	if params.Workers == 0 {
		params.Workers = o.cfg.Workers
	}
	if strings.TrimSpace(params.Interval) == "" {
		params.Interval = o.cfg.Interval
	}

	task := newTask(params)
	ctx, cancel := context.WithCancel(context.Background())
	task.cancel = cancel
	o.registry.add(task)
	go o.run(ctx, task)
	return task.id, nil
}

// Status returns a copy-on-read snapshot; it never mutates the task.
func (o *Orchestrator) Status(id string) (Snapshot, error) {
	t, ok := o.registry.get(id)
	if !ok {
		return Snapshot{}, ErrTaskNotFound
	}
	return t.Snapshot(), nil
}

// Tasks lists snapshots of all known tasks.
func (o *Orchestrator) Tasks() []Snapshot {
	return o.registry.Snapshots()
}

// Cancel requests cooperative cancellation. It returns false for unknown
// or already-terminal tasks. In-flight fetches drain; no new batch starts.
func (o *Orchestrator) Cancel(id string) bool {
	t, ok := o.registry.get(id)
	if !ok {
		return false
	}
	if t.Snapshot().Status.Terminal() {
		return false
	}
	t.logf("cancellation requested")
	t.cancel()
	return true
}

// ForceRefetch clears the data_fetched/no_data flags for one
// (instrument, expiry) so the next run or resume fetches it again.
// Refused while any task is active: the reset would race the skip checks.
func (o *Orchestrator) ForceRefetch(ctx context.Context, instrumentKey string, expiry time.Time) (int64, error) {
	if o.registry.hasActive() {
		return 0, fmt.Errorf("collector: cannot force refetch while a task is active")
	}
	return o.store.ResetContractsForRefetch(ctx, instrumentKey, expiry)
}

// run executes one task end to end. Instruments are processed in batches
// of MaxParallelInstruments; a batch runs fully concurrently and the next
// one starts only after it completes.
func (o *Orchestrator) run(ctx context.Context, t *Task) {
	t.setStatus(StatusRunning, nil)
	t.logf("task started: %d instrument(s), interval=%s, workers=%d",
		len(t.params.InstrumentKeys), t.params.Interval, t.params.Workers)
	o.mirror(t)

	var fatal error
	keys := t.params.InstrumentKeys
	for start := 0; start < len(keys) && fatal == nil; start += o.cfg.MaxParallelInstruments {
		if ctx.Err() != nil {
			break
		}
		end := min(start+o.cfg.MaxParallelInstruments, len(keys))
		g, gctx := errgroup.WithContext(ctx)
		for _, key := range keys[start:end] {
			key := key
			g.Go(func() error {
				return o.collectInstrument(gctx, t, key)
			})
		}
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			fatal = err
		}
	}

	switch {
	case fatal != nil:
		t.logf("task failed: %v", fatal)
		t.setStatus(StatusFailed, fatal)
	case ctx.Err() != nil:
		t.logf("task cancelled")
		t.setStatus(StatusCancelled, nil)
	default:
		t.logf("task completed")
		t.setStatus(StatusCompleted, nil)
	}
	o.mirror(t)
}

// collectInstrument walks one instrument's expiries sequentially, which
// keeps quota pressure local and bounded.
func (o *Orchestrator) collectInstrument(ctx context.Context, t *Task, key string) error {
	expiries := t.params.Expiries
	if len(expiries) == 0 {
		found, err := o.source.Expiries(ctx, key, ratelimit.PriorityUrgent)
		if err != nil {
			if errors.Is(err, upstream.ErrUnauthenticated) {
				return err
			}
			t.addError(key)
			t.logf("%s: expiry discovery failed: %v", key, err)
			return nil
		}
		expiries = filterLookback(found, o.cfg.ExpiryLookbackMonths, time.Now())
	}
	if err := o.store.UpsertInstrument(ctx, instrumentFromKey(key)); err != nil {
		return fmt.Errorf("collector: persisting instrument %s failed: %w", key, err)
	}
	if err := o.store.UpsertExpiries(ctx, key, expiries); err != nil {
		return fmt.Errorf("collector: persisting expiries for %s failed: %w", key, err)
	}
	t.setExpiriesTotal(key, len(expiries))
	t.logf("%s: %d expiry date(s) in scope", key, len(expiries))

	for _, expiry := range expiries {
		// Cancellation boundary: never preempt the current expiry.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := o.collectExpiry(ctx, t, key, expiry); err != nil {
			return err
		}
		t.markExpiryDone(key)
		o.mirror(t)
	}
	return nil
}

// collectExpiry fetches one expiry's contracts, skips the already-fetched
// set via a bulk membership check and backfills the rest in worker-bounded
// batches.
func (o *Orchestrator) collectExpiry(ctx context.Context, t *Task, key string, expiry time.Time) error {
	set, err := o.source.Contracts(ctx, key, expiry, ratelimit.PriorityUrgent)
	if err != nil {
		if errors.Is(err, upstream.ErrUnauthenticated) {
			return err
		}
		t.addError(key)
		t.logf("%s: contract discovery for %s failed: %v", key, expiry.Format("2006-01-02"), err)
		return nil
	}
	contracts := append(set.Options, set.Futures...)
	records := make([]store.ContractRecord, 0, len(contracts))
	for _, c := range contracts {
		records = append(records, store.ContractRecord{
			ExpiredKey:    c.ExpiredKey,
			InstrumentKey: c.InstrumentKey,
			Symbol:        c.Symbol,
			ExpiryDate:    c.Expiry,
			Kind:          string(c.Kind),
			Strike:        c.Strike,
		})
	}
	if err := o.store.UpsertContracts(ctx, records); err != nil {
		return fmt.Errorf("collector: persisting contracts failed: %w", err)
	}
	if err := o.store.MarkExpiryContractsFetched(ctx, key, expiry); err != nil {
		return fmt.Errorf("collector: flagging expiry failed: %w", err)
	}

	fetched, err := o.store.FetchedContractKeys(ctx, key, expiry)
	if err != nil {
		return fmt.Errorf("collector: membership check failed: %w", err)
	}
	pending := records[:0:0]
	for _, rec := range records {
		if !fetched[rec.ExpiredKey] {
			pending = append(pending, rec)
		}
	}
	t.addContracts(key, int64(len(pending)))
	t.logf("%s: expiry %s has %d contract(s), %d pending",
		key, expiry.Format("2006-01-02"), len(records), len(pending))

	return o.fetchBatches(ctx, pending, t.params.Interval, t.params.Workers, taskSink{t: t, key: key})
}

// fetchBatches runs candle fetches with bounded fan-out: each batch of at
// most `workers` contracts runs concurrently and is awaited in full before
// the next batch starts. A single contract's failure never aborts the
// batch; only authentication errors do.
func (o *Orchestrator) fetchBatches(ctx context.Context, contracts []store.ContractRecord, interval string, workers int, sink progressSink) error {
	if workers <= 0 {
		workers = o.cfg.Workers
	}
	for start := 0; start < len(contracts); start += workers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		end := min(start+workers, len(contracts))
		var g errgroup.Group
		for _, rec := range contracts[start:end] {
			rec := rec
			g.Go(func() error {
				return o.fetchContract(ctx, rec, interval, sink)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// fetchContract backfills one contract over [expiry − lookback, expiry].
// Zero candles means the upstream will never have data for it, so the
// contract is flagged no_data to stop it from being retried forever.
func (o *Orchestrator) fetchContract(ctx context.Context, rec store.ContractRecord, interval string, sink progressSink) error {
	from := rec.ExpiryDate.AddDate(0, 0, -o.cfg.CandleLookbackDays)
	candles, err := o.source.Candles(ctx, rec.ExpiredKey, from, rec.ExpiryDate, interval, ratelimit.PriorityBulk)
	if err != nil {
		if errors.Is(err, upstream.ErrUnauthenticated) {
			return err
		}
		if rerr := o.store.RecordFetchFailure(ctx, rec.ExpiredKey); rerr != nil {
			logger.Warnf("collector: recording failed attempt for %s failed: %v", rec.ExpiredKey, rerr)
		}
		sink.recordError(rec, err)
		return nil
	}
	if len(candles) == 0 {
		if err := o.store.MarkContractFetched(ctx, rec.ExpiredKey, true); err != nil {
			return err
		}
		sink.recordEmpty(rec)
		return nil
	}
	rows := make([]store.CandleRecord, 0, len(candles))
	for _, c := range candles {
		rows = append(rows, store.CandleRecord{
			ContractKey:  rec.ExpiredKey,
			Timestamp:    c.Timestamp,
			Open:         c.Open,
			High:         c.High,
			Low:          c.Low,
			Close:        c.Close,
			Volume:       c.Volume,
			OpenInterest: c.OpenInterest,
		})
	}
	written, err := o.store.UpsertCandles(ctx, rows)
	if err != nil {
		return err
	}
	if err := o.store.MarkContractFetched(ctx, rec.ExpiredKey, false); err != nil {
		return err
	}
	sink.recordCandles(rec, written)
	return nil
}

// mirror persists a task snapshot best-effort; a mirror failure never
// affects the run.
func (o *Orchestrator) mirror(t *Task) {
	snap := t.Snapshot()
	rec := store.TaskRecord{
		ID:        snap.ID,
		Status:    string(snap.Status),
		Progress:  snap.progressJSON(),
		Expiries:  snap.Expiries,
		Contracts: snap.Contracts,
		Candles:   snap.Candles,
		Errors:    snap.Errors,
		CreatedAt: snap.CreatedAt,
		UpdatedAt: time.Now(),
	}
	if err := o.store.SaveTask(context.Background(), rec); err != nil {
		logger.Warnf("collector: mirroring task %s failed: %v", snap.ID, err)
	}
}

// filterLookback keeps expiries within the trailing lookback window.
func filterLookback(expiries []time.Time, months int, now time.Time) []time.Time {
	cutoff := now.AddDate(0, -months, 0)
	out := expiries[:0:0]
	for _, e := range expiries {
		if e.After(cutoff) && !e.After(now) {
			out = append(out, e)
		}
	}
	return out
}

// instrumentFromKey derives instrument fields from a broker key like
// "NSE_INDEX|Nifty 50".
func instrumentFromKey(key string) store.Instrument {
	inst := store.Instrument{Key: key, Symbol: key}
	if i := strings.IndexByte(key, '|'); i > 0 {
		seg := key[:i]
		inst.Symbol = key[i+1:]
		inst.Segment = seg
		if j := strings.IndexByte(seg, '_'); j > 0 {
			inst.Exchange = seg[:j]
		}
	}
	return inst
}

// progressSink decouples fetch bookkeeping from whether the caller is a
// task run or a resume pass.
type progressSink interface {
	recordCandles(rec store.ContractRecord, n int64)
	recordEmpty(rec store.ContractRecord)
	recordError(rec store.ContractRecord, err error)
}

// taskSink feeds fetch results into a task's per-instrument progress.
type taskSink struct {
	t   *Task
	key string
}

func (s taskSink) recordCandles(rec store.ContractRecord, n int64) {
	s.t.addCandles(s.key, n)
}

func (s taskSink) recordEmpty(rec store.ContractRecord) {
	s.t.logf("%s: contract %s confirmed empty upstream", s.key, rec.ExpiredKey)
}

func (s taskSink) recordError(rec store.ContractRecord, err error) {
	s.t.addError(s.key)
	s.t.logf("%s: fetching %s failed: %v", s.key, rec.ExpiredKey, err)
}
