package encryption

import (
	"sync"

	"github.com/meow-io/go-e2e/clock"
	"github.com/meow-io/go-e2e/node"
	"go.uber.org/zap"
)

// pendingKey identifies the session a buffered envelope waits for. participant is set for group
// messages and names the member who sent it.
type pendingKey struct {
	from        string
	participant string
}

func (k pendingKey) author() string {
	if k.participant != "" {
		return k.participant
	}
	return k.from
}

type pendingItem struct {
	node    *node.Node
	seq     uint64
	addedMs uint64
}

type pendingEntry struct {
	items    []*pendingItem
	fetching bool
}

// pendingQueue buffers inbound nodes that wait for a session, replayed in arrival order. Each key
// keeps at most maxPerKey nodes and the queue at most maxTotal, the oldest being dropped first.
// With a ttl, nodes older than ttlMs are dropped whenever a node is added.
type pendingQueue struct {
	lock      sync.Mutex
	log       *zap.SugaredLogger
	clock     clock.Clock
	metrics   *metrics
	maxPerKey int
	maxTotal  int
	ttlMs     uint64
	seq       uint64
	total     int
	entries   map[pendingKey]*pendingEntry
}

func newPendingQueue(log *zap.SugaredLogger, cl clock.Clock, m *metrics, maxPerKey, maxTotal int, ttlMs int64) *pendingQueue {
	q := &pendingQueue{
		log:       log,
		clock:     cl,
		metrics:   m,
		maxPerKey: maxPerKey,
		maxTotal:  maxTotal,
		entries:   map[pendingKey]*pendingEntry{},
	}
	if ttlMs > 0 {
		q.ttlMs = uint64(ttlMs)
	}
	return q
}

// add buffers n under key. It returns true when the caller should start a key exchange for the
// key, that is when none is already running.
func (q *pendingQueue) add(key pendingKey, n *node.Node) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.addLocked(key, n)
}

func (q *pendingQueue) addLocked(key pendingKey, n *node.Node) bool {
	q.expire()
	e, ok := q.entries[key]
	if !ok {
		e = &pendingEntry{}
		q.entries[key] = e
	}
	q.seq++
	e.items = append(e.items, &pendingItem{node: n, seq: q.seq, addedMs: q.clock.CurrentTimeMs()})
	q.total++
	q.metrics.pendingBuffered.Inc()

	if q.maxPerKey > 0 && len(e.items) > q.maxPerKey {
		q.evict(key, e, 0, "per key limit")
	}
	for q.maxTotal > 0 && q.total > q.maxTotal {
		oldestKey, oldest := q.oldest()
		q.evict(oldestKey, oldest, 0, "total limit")
	}

	start := !e.fetching
	e.fetching = true
	return start
}

// appendIfPresent buffers n behind nodes already waiting under key. start has the meaning it has
// for add.
func (q *pendingQueue) appendIfPresent(key pendingKey, n *node.Node) (buffered, start bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if _, ok := q.entries[key]; !ok {
		return false, false
	}
	return true, q.addLocked(key, n)
}

// peek returns the oldest node buffered under key.
func (q *pendingQueue) peek(key pendingKey) (*node.Node, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	e, ok := q.entries[key]
	if !ok || len(e.items) == 0 {
		return nil, false
	}
	return e.items[0].node, true
}

// pop drops n if it is still the oldest node under key and removes the key once nothing is left.
func (q *pendingQueue) pop(key pendingKey, n *node.Node) {
	q.lock.Lock()
	defer q.lock.Unlock()
	e, ok := q.entries[key]
	if !ok || len(e.items) == 0 || e.items[0].node != n {
		return
	}
	e.items = e.items[1:]
	q.total--
	if len(e.items) == 0 {
		delete(q.entries, key)
	}
}

// failed keeps the nodes under key and allows the next arrival to start another key exchange.
func (q *pendingQueue) failed(key pendingKey) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if e, ok := q.entries[key]; ok {
		e.fetching = false
	}
}

func (q *pendingQueue) len(key pendingKey) int {
	q.lock.Lock()
	defer q.lock.Unlock()
	if e, ok := q.entries[key]; ok {
		return len(e.items)
	}
	return 0
}

func (q *pendingQueue) size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.total
}

func (q *pendingQueue) oldest() (pendingKey, *pendingEntry) {
	var (
		key    pendingKey
		oldest *pendingEntry
	)
	for k, e := range q.entries {
		if len(e.items) == 0 {
			continue
		}
		if oldest == nil || e.items[0].seq < oldest.items[0].seq {
			key, oldest = k, e
		}
	}
	return key, oldest
}

func (q *pendingQueue) evict(key pendingKey, e *pendingEntry, i int, reason string) {
	dropped := e.items[i]
	e.items = append(e.items[:i], e.items[i+1:]...)
	q.total--
	q.metrics.pendingEvicted.Inc()
	q.log.Warnf("dropping pending message %s from %s (%s)", dropped.node.Get("id"), key.author(), reason)
	if len(e.items) == 0 {
		delete(q.entries, key)
	}
}

func (q *pendingQueue) expire() {
	if q.ttlMs == 0 {
		return
	}
	now := q.clock.CurrentTimeMs()
	for k, e := range q.entries {
		for len(e.items) > 0 && now-e.items[0].addedMs > q.ttlMs {
			q.evict(k, e, 0, "expired")
		}
	}
}
