package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the task state machine:
// PENDING → RUNNING → {COMPLETED, FAILED, CANCELLED}. Terminal states are
// absorbing.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status absorbs further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

const logTailSize = 50

// InstrumentProgress tracks one instrument inside a task.
type InstrumentProgress struct {
	ExpiriesTotal int   `json:"expiries_total"`
	ExpiriesDone  int   `json:"expiries_done"`
	Contracts     int64 `json:"contracts"`
	Candles       int64 `json:"candles"`
	Errors        int64 `json:"errors"`
}

// Snapshot is a copy-on-read view of a task, safe to hand to any caller.
type Snapshot struct {
	ID          string                        `json:"id"`
	Status      Status                        `json:"status"`
	Error       string                        `json:"error,omitempty"`
	Progress    float64                       `json:"progress"`
	Instruments map[string]InstrumentProgress `json:"instruments"`
	Expiries    int64                         `json:"expiries"`
	Contracts   int64                         `json:"contracts"`
	Candles     int64                         `json:"candles"`
	Errors      int64                         `json:"errors"`
	CreatedAt   time.Time                     `json:"created_at"`
	StartedAt   time.Time                     `json:"started_at,omitempty"`
	FinishedAt  time.Time                     `json:"finished_at,omitempty"`
	Log         []string                      `json:"log"`
}

// Task is the in-memory state of one collection run. It is owned by the
// orchestrator; everyone else only ever sees Snapshot copies.
type Task struct {
	id     string
	params Params
	cancel context.CancelFunc

	mu          sync.Mutex
	status      Status
	err         error
	instruments map[string]*InstrumentProgress
	log         []string
	createdAt   time.Time
	startedAt   time.Time
	finishedAt  time.Time
}

func newTask(params Params) *Task {
	t := &Task{
		id:          uuid.NewString(),
		params:      params,
		status:      StatusPending,
		instruments: make(map[string]*InstrumentProgress, len(params.InstrumentKeys)),
		createdAt:   time.Now(),
	}
	for _, key := range params.InstrumentKeys {
		t.instruments[key] = &InstrumentProgress{}
	}
	return t
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// setStatus applies a transition; terminal states absorb everything.
func (t *Task) setStatus(next Status, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	t.status = next
	switch next {
	case StatusRunning:
		t.startedAt = time.Now()
	case StatusCompleted, StatusFailed, StatusCancelled:
		t.finishedAt = time.Now()
		if cause != nil {
			t.err = cause
		}
	}
}

func (t *Task) logf(format string, v ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	line := time.Now().Format(time.RFC3339) + " " + fmt.Sprintf(format, v...)
	t.log = append(t.log, line)
	if len(t.log) > logTailSize {
		t.log = t.log[len(t.log)-logTailSize:]
	}
}

func (t *Task) progressFor(key string) *InstrumentProgress {
	p, ok := t.instruments[key]
	if !ok {
		p = &InstrumentProgress{}
		t.instruments[key] = p
	}
	return p
}

func (t *Task) setExpiriesTotal(key string, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progressFor(key).ExpiriesTotal = total
}

func (t *Task) markExpiryDone(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progressFor(key).ExpiriesDone++
}

func (t *Task) addContracts(key string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progressFor(key).Contracts += n
}

func (t *Task) addCandles(key string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progressFor(key).Candles += n
}

func (t *Task) addError(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progressFor(key).Errors++
}

// Snapshot returns a deep copy of the current state. Aggregated progress
// is recomputed from the per-instrument counters and, by construction,
// never decreases during a run.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := Snapshot{
		ID:          t.id,
		Status:      t.status,
		Instruments: make(map[string]InstrumentProgress, len(t.instruments)),
		CreatedAt:   t.createdAt,
		StartedAt:   t.startedAt,
		FinishedAt:  t.finishedAt,
		Log:         append([]string(nil), t.log...),
	}
	if t.err != nil {
		snap.Error = t.err.Error()
	}
	var done, total float64
	for key, p := range t.instruments {
		snap.Instruments[key] = *p
		snap.Expiries += int64(p.ExpiriesDone)
		snap.Contracts += p.Contracts
		snap.Candles += p.Candles
		snap.Errors += p.Errors
		if p.ExpiriesTotal > 0 {
			done += float64(p.ExpiriesDone) / float64(p.ExpiriesTotal)
		} else if t.status.Terminal() {
			done++
		}
		total++
	}
	if total > 0 {
		snap.Progress = done / total
	}
	if t.status == StatusCompleted {
		snap.Progress = 1
	}
	return snap
}

// progressJSON serializes the per-instrument map for the durable mirror.
func (s Snapshot) progressJSON() []byte {
	b, err := json.Marshal(s.Instruments)
	if err != nil {
		return []byte("{}")
	}
	return b
}
