package encryption

import (
	"fmt"
	"testing"
	"time"

	"github.com/meow-io/go-e2e/clock"
	"github.com/meow-io/go-e2e/config"
	"github.com/meow-io/go-e2e/node"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func message(id string) *node.Node {
	return node.New("message", map[string]string{"id": id})
}

func TestSentQueueEvictsOldest(t *testing.T) {
	require := require.New(t)
	q, err := newSentQueue(config.NewConfig(config.WithoutLogFile()).Logger("test"), 100)
	require.Nil(err)
	for i := 0; i < 101; i++ {
		q.push(message(fmt.Sprintf("m%d", i)))
	}
	require.Equal(100, q.len())
	_, ok := q.peek("m0")
	require.False(ok)
	n, ok := q.peek("m1")
	require.True(ok)
	require.Equal("m1", n.Get("id"))
	_, ok = q.peek("m100")
	require.True(ok)
}

func TestSentQueuePeekDoesNotRefresh(t *testing.T) {
	require := require.New(t)
	q, err := newSentQueue(config.NewConfig(config.WithoutLogFile()).Logger("test"), 2)
	require.Nil(err)
	q.push(message("a"))
	q.push(message("b"))
	_, ok := q.peek("a")
	require.True(ok)
	q.push(message("c"))
	_, ok = q.peek("a")
	require.False(ok)
	q.remove("b")
	require.Equal(1, q.len())
}

func newTestPendingQueue(cl clock.Clock, perKey, total int, ttlMs int64) (*pendingQueue, *metrics) {
	m := newMetrics(prometheus.NewRegistry())
	log := config.NewConfig(config.WithoutLogFile()).Logger("test")
	return newPendingQueue(log, cl, m, perKey, total, ttlMs), m
}

func TestPendingReplaysInArrivalOrder(t *testing.T) {
	require := require.New(t)
	q, _ := newTestPendingQueue(clock.NewSystemClock(), 50, 500, 0)
	key := pendingKey{from: "bob"}
	require.True(q.add(key, message("1")))
	require.False(q.add(key, message("2")))
	buffered, start := q.appendIfPresent(key, message("3"))
	require.True(buffered)
	require.False(start)
	buffered, _ = q.appendIfPresent(pendingKey{from: "carol"}, message("x"))
	require.False(buffered)

	var order []string
	for {
		n, ok := q.peek(key)
		if !ok {
			break
		}
		order = append(order, n.Get("id"))
		q.pop(key, n)
	}
	require.Equal([]string{"1", "2", "3"}, order)
	require.Equal(0, q.size())
}

func TestPendingFailureAllowsNewExchange(t *testing.T) {
	require := require.New(t)
	q, _ := newTestPendingQueue(clock.NewSystemClock(), 50, 500, 0)
	key := pendingKey{from: "4912-1418906377", participant: "bob"}
	require.Equal("bob", key.author())
	require.True(q.add(key, message("1")))
	q.failed(key)
	require.Equal(1, q.len(key))
	require.True(q.add(key, message("2")))
	require.Equal(2, q.len(key))
}

func TestPendingLimits(t *testing.T) {
	require := require.New(t)
	q, m := newTestPendingQueue(clock.NewSystemClock(), 2, 3, 0)
	bob, carol := pendingKey{from: "bob"}, pendingKey{from: "carol"}
	q.add(bob, message("b1"))
	q.add(bob, message("b2"))
	q.add(bob, message("b3"))
	require.Equal(2, q.len(bob))
	n, _ := q.peek(bob)
	require.Equal("b2", n.Get("id"))

	q.add(carol, message("c1"))
	q.add(carol, message("c2"))
	require.Equal(3, q.size())
	require.Equal(1, q.len(bob))
	n, _ = q.peek(bob)
	require.Equal("b3", n.Get("id"))
	require.Equal(float64(2), testutil.ToFloat64(m.pendingEvicted))
	require.Equal(float64(5), testutil.ToFloat64(m.pendingBuffered))
}

func TestPendingTTL(t *testing.T) {
	require := require.New(t)
	cl := clock.NewManual(time.Unix(1000, 0))
	q, _ := newTestPendingQueue(cl, 50, 500, 1000)
	bob, carol := pendingKey{from: "bob"}, pendingKey{from: "carol"}
	q.add(bob, message("b1"))
	cl.Advance(2 * time.Second)
	q.add(carol, message("c1"))
	require.Equal(0, q.len(bob))
	require.Equal(1, q.len(carol))
}

func TestPendingPopSkipsEvictedNode(t *testing.T) {
	require := require.New(t)
	q, _ := newTestPendingQueue(clock.NewSystemClock(), 2, 500, 0)
	bob := pendingKey{from: "bob"}
	q.add(bob, message("b1"))
	replaying, _ := q.peek(bob)
	q.add(bob, message("b2"))
	q.add(bob, message("b3"))
	q.pop(bob, replaying)
	require.Equal(2, q.len(bob))
	n, _ := q.peek(bob)
	require.Equal("b2", n.Get("id"))
}
