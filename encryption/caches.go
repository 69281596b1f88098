package encryption

import (
	"sync"

	"github.com/meow-io/go-e2e/ratchet"
	"github.com/meow-io/go-e2e/senderkey"
	"github.com/meow-io/go-e2e/store"
	"golang.org/x/exp/slices"
)

// sessionEntry serializes every cipher operation for one peer. Hold the entry lock outside of
// database transactions only.
type sessionEntry struct {
	sync.Mutex
	cipher *ratchet.SessionCipher
}

type sessionCache struct {
	lock    sync.Mutex
	store   *store.Store
	entries map[string]*sessionEntry
}

func newSessionCache(s *store.Store) *sessionCache {
	return &sessionCache{store: s, entries: map[string]*sessionEntry{}}
}

func (c *sessionCache) get(peer string) *sessionEntry {
	c.lock.Lock()
	defer c.lock.Unlock()
	e, ok := c.entries[peer]
	if !ok {
		e = &sessionEntry{cipher: ratchet.NewSessionCipher(c.store, peer)}
		c.entries[peer] = e
	}
	return e
}

// lockAll locks the entries of peers in sorted order and returns them keyed by peer.
func (c *sessionCache) lockAll(peers []string) (map[string]*sessionEntry, func()) {
	sorted := slices.Clone(peers)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	locked := make(map[string]*sessionEntry, len(sorted))
	for _, p := range sorted {
		e := c.get(p)
		e.Lock()
		locked[p] = e
	}
	return locked, func() {
		for _, e := range locked {
			e.Unlock()
		}
	}
}

func (c *sessionCache) size() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.entries)
}

type groupEntry struct {
	sync.Mutex
	cipher *senderkey.GroupCipher
}

type groupCipherCache struct {
	lock    sync.Mutex
	store   *store.Store
	entries map[senderkey.SenderKeyName]*groupEntry
}

func newGroupCipherCache(s *store.Store) *groupCipherCache {
	return &groupCipherCache{store: s, entries: map[senderkey.SenderKeyName]*groupEntry{}}
}

func (c *groupCipherCache) get(name senderkey.SenderKeyName) *groupEntry {
	c.lock.Lock()
	defer c.lock.Unlock()
	e, ok := c.entries[name]
	if !ok {
		e = &groupEntry{cipher: senderkey.NewGroupCipher(c.store, name)}
		c.entries[name] = e
	}
	return e
}

func (c *groupCipherCache) size() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.entries)
}
