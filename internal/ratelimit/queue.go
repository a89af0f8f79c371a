package ratelimit

// Priority orders admission. Lower values are admitted first.
type Priority int

const (
	// PriorityUrgent is used for discovery calls (expiries, contract lists)
	// that gate the rest of a collection run.
	PriorityUrgent Priority = 0
	// PriorityBulk is used for candle backfill traffic.
	PriorityBulk Priority = 10
)

// waiter is one queued Acquire call.
type waiter struct {
	prio  Priority
	seq   uint64
	ready chan struct{}
	index int // heap index; -1 once popped or removed
}

// waiterQueue implements container/heap ordered by (priority, seq).
// seq preserves FIFO within equal priority.
type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }

func (q waiterQueue) Less(i, j int) bool {
	if q[i].prio != q[j].prio {
		return q[i].prio < q[j].prio
	}
	return q[i].seq < q[j].seq
}

func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waiterQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}
