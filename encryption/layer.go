// Package encryption is the middleware between the application and the transport that turns
// plaintext message nodes into encrypted envelopes and back. It bootstraps sessions from prekey
// bundles on demand, fans group messages out with sender keys and recovers from lost sessions
// through retry receipts.
package encryption

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/meow-io/go-e2e/clock"
	"github.com/meow-io/go-e2e/config"
	"github.com/meow-io/go-e2e/ids"
	"github.com/meow-io/go-e2e/jid"
	"github.com/meow-io/go-e2e/node"
	"github.com/meow-io/go-e2e/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Lower takes nodes headed to the server.
type Lower interface {
	Send(n *node.Node) error
}

// Upper takes nodes headed to the application.
type Upper interface {
	Receive(n *node.Node) error
}

// Requester sends an iq and waits for the matching result.
type Requester interface {
	Request(ctx context.Context, iq *node.Node) (*node.Node, error)
}

type Layer struct {
	config     *config.Config
	log        *zap.SugaredLogger
	clock      clock.Clock
	store      *store.Store
	self       string
	lower      Lower
	upper      Upper
	requester  Requester
	ids        *ids.MessageIDs
	sem        *semaphore.Weighted
	sessions   *sessionCache
	ciphers    *groupCipherCache
	pending    *pendingQueue
	sent       *sentQueue
	retried    *lru.Cache
	metrics    *metrics
	uploadLock sync.Mutex
	ctx        context.Context
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// New builds a layer for the local user self. Metrics are registered with reg unless it is nil.
func New(c *config.Config, s *store.Store, self string, lower Lower, upper Upper, r Requester, cl clock.Clock, reg prometheus.Registerer) (*Layer, error) {
	log := c.Logger("encryption/layer")
	m := newMetrics(reg)
	sent, err := newSentQueue(log, c.SentQueueSize)
	if err != nil {
		return nil, fmt.Errorf("encryption: error making sent queue: %w", err)
	}
	retried, err := lru.New(c.RetryGiveUpMemory)
	if err != nil {
		return nil, fmt.Errorf("encryption: error making retry memory: %w", err)
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	return &Layer{
		config:     c,
		log:        log,
		clock:      cl,
		store:      s,
		self:       jid.Denormalize(self),
		lower:      lower,
		upper:      upper,
		requester:  r,
		ids:        ids.NewMessageIDs(cl),
		sem:        semaphore.NewWeighted(c.MaxConcurrentRequests),
		sessions:   newSessionCache(s),
		ciphers:    newGroupCipherCache(s),
		pending:    newPendingQueue(log, cl, m, c.PendingMaxPerKey, c.PendingMaxTotal, c.PendingTTLMs),
		sent:       sent,
		retried:    retried,
		metrics:    m,
		ctx:        ctx,
		cancelFunc: cancelFunc,
	}, nil
}

// Send encrypts message nodes for their destination and passes everything else down unchanged.
func (l *Layer) Send(n *node.Node) error {
	if n.Tag != "message" || hasEnvelope(n) {
		return l.lower.Send(n)
	}
	if n.Get("id") == "" {
		n.Set("id", l.ids.Next())
	}
	to := n.Get("to")
	if l.config.SkipsEncryption(jid.Denormalize(to)) {
		l.log.Debugf("sending %s to %s without encryption", n.Get("id"), to)
		l.metrics.plaintextFallback.Inc()
		return l.lower.Send(n)
	}
	if jid.IsGroup(to) {
		return l.sendGroup(n, 0, nil)
	}
	return l.sendDirect(n)
}

// Receive decrypts inbound messages, handles retry receipts and prekey notifications and passes
// everything else up unchanged.
func (l *Layer) Receive(n *node.Node) error {
	switch n.Tag {
	case "message":
		if hasEnvelope(n) {
			return l.receiveMessage(n, false)
		}
	case "receipt":
		if n.Get("type") == "retry" {
			return l.receiveRetryReceipt(n)
		}
	case "notification":
		if n.Get("type") == "encrypt" && n.Child("count") != nil {
			return l.receiveEncryptNotification(n)
		}
	}
	return l.upper.Receive(n)
}

// Wait blocks until every key exchange, group lookup and continuation started so far has finished.
func (l *Layer) Wait() {
	l.finished.Wait()
}

func (l *Layer) Shutdown() {
	l.cancelFunc()
	l.finished.Wait()
}

func (l *Layer) goAsync(f func()) {
	l.finished.Add(1)
	go func() {
		defer l.finished.Done()
		f()
	}()
}

// request performs one iq round trip, bounded by the request semaphore and timeout.
func (l *Layer) request(iq *node.Node) (*node.Node, error) {
	if err := l.sem.Acquire(l.ctx, 1); err != nil {
		return nil, fmt.Errorf("encryption: error waiting to send iq: %w", err)
	}
	defer l.sem.Release(1)
	if iq.Get("id") == "" {
		iq.Set("id", l.ids.Next())
	}
	ctx, cancel := context.WithTimeout(l.ctx, l.config.RequestTimeout())
	defer cancel()
	resp, err := l.requester.Request(ctx, iq)
	if err != nil {
		return nil, fmt.Errorf("encryption: error requesting %s: %w", iq.Get("xmlns"), err)
	}
	if t := resp.Get("type"); t != "result" {
		return nil, fmt.Errorf("encryption: %s iq returned %q", iq.Get("xmlns"), t)
	}
	return resp, nil
}
