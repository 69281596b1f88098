package encryption

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/meow-io/go-e2e/node"
	"go.uber.org/zap"
)

// sentQueue remembers the plaintext of recently sent messages by id so they can be encrypted
// again when a retry receipt arrives. Messages are kept encoded. Lookups never refresh an entry, so
// the oldest message is the first to go.
type sentQueue struct {
	log   *zap.SugaredLogger
	cache *lru.Cache
}

func newSentQueue(log *zap.SugaredLogger, size int) (*sentQueue, error) {
	cache, err := lru.NewWithEvict(size, func(key, _ interface{}) {
		log.Debugf("forgetting sent message %s", key)
	})
	if err != nil {
		return nil, err
	}
	return &sentQueue{log: log, cache: cache}, nil
}

func (q *sentQueue) push(n *node.Node) {
	id := n.Get("id")
	if id == "" {
		return
	}
	q.cache.Add(id, node.Marshal(n))
}

func (q *sentQueue) peek(id string) (*node.Node, bool) {
	v, ok := q.cache.Peek(id)
	if !ok {
		return nil, false
	}
	n, err := node.Unmarshal(v.([]byte))
	if err != nil {
		q.log.Errorf("dropping unreadable sent message %s: %v", id, err)
		q.cache.Remove(id)
		return nil, false
	}
	return n, true
}

func (q *sentQueue) remove(id string) {
	q.cache.Remove(id)
}

func (q *sentQueue) len() int {
	return q.cache.Len()
}
