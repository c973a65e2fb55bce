package executor

import (
	"container/list"
	"sync"
	"time"

	"orderflow-pipeline/pkg/types"
)

// idempotencyEntry is one cached submission outcome, keyed by
// client_order_id.
type idempotencyEntry struct {
	clientOrderID string
	result        types.ExecResult
	expiresAt     time.Time
}

// IdempotencyTracker remembers recent client_order_ids so a retried
// submit (e.g. after a network timeout where the original ack was lost)
// returns the cached result instead of dispatching a duplicate order.
// Bounded by both a row-count cap (LRU eviction) and a TTL, since an
// unbounded map would leak memory across a long-running process.
type IdempotencyTracker struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	ll       *list.List
	items    map[string]*list.Element
}

// NewIdempotencyTracker creates a tracker bounded by capacity entries and
// ttl retention.
func NewIdempotencyTracker(capacity int, ttl time.Duration) *IdempotencyTracker {
	return &IdempotencyTracker{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Lookup returns a previously recorded result for clientOrderID, if any
// and not expired.
func (t *IdempotencyTracker) Lookup(now time.Time, clientOrderID string) (types.ExecResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.items[clientOrderID]
	if !ok {
		return types.ExecResult{}, false
	}
	entry := el.Value.(*idempotencyEntry)
	if now.After(entry.expiresAt) {
		t.ll.Remove(el)
		delete(t.items, clientOrderID)
		return types.ExecResult{}, false
	}
	t.ll.MoveToFront(el)
	return entry.result, true
}

// Record stores the submission outcome for clientOrderID, evicting the
// least-recently-used entry if capacity is exceeded.
func (t *IdempotencyTracker) Record(now time.Time, clientOrderID string, result types.ExecResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.items[clientOrderID]; ok {
		el.Value.(*idempotencyEntry).result = result
		el.Value.(*idempotencyEntry).expiresAt = now.Add(t.ttl)
		t.ll.MoveToFront(el)
		return
	}

	entry := &idempotencyEntry{clientOrderID: clientOrderID, result: result, expiresAt: now.Add(t.ttl)}
	el := t.ll.PushFront(entry)
	t.items[clientOrderID] = el

	if t.capacity > 0 && t.ll.Len() > t.capacity {
		oldest := t.ll.Back()
		if oldest != nil {
			t.ll.Remove(oldest)
			delete(t.items, oldest.Value.(*idempotencyEntry).clientOrderID)
		}
	}
}

// Len reports the current entry count, used by tests and metrics.
func (t *IdempotencyTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ll.Len()
}
