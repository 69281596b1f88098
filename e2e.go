// Package e2e wires the encrypted store and the encryption layer into one client that sits between
// an application and its transport. Open it with a key, then pass outbound nodes to Send and
// inbound nodes to Receive.
package e2e

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/meow-io/go-e2e/clock"
	"github.com/meow-io/go-e2e/config"
	"github.com/meow-io/go-e2e/encryption"
	"github.com/meow-io/go-e2e/internal/db"
	"github.com/meow-io/go-e2e/node"
	"github.com/meow-io/go-e2e/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	StateNew = iota
	StateInitialized
	StateRunning
)

type Client struct {
	DB        *db.Database
	config    *config.Config
	log       *zap.SugaredLogger
	clock     clock.Clock
	self      string
	lower     encryption.Lower
	upper     encryption.Upper
	requester encryption.Requester
	registry  *prometheus.Registry
	lock      sync.Mutex
	state     int
	store     *store.Store
	layer     *encryption.Layer
}

// NewClient makes a client for the local user self, keeping its database under the configured
// root. Nothing is read until Initialize or Open.
func NewClient(c *config.Config, self string, lower encryption.Lower, upper encryption.Upper, r encryption.Requester) (*Client, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making client, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	d, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if d.Initialized() {
		state = StateInitialized
	}
	return &Client{
		DB:        d,
		config:    c,
		log:       log,
		clock:     clock.NewSystemClock(),
		self:      self,
		lower:     lower,
		upper:     upper,
		requester: r,
		registry:  prometheus.NewRegistry(),
		state:     state,
	}, nil
}

// Makes a key from a password
func (c *Client) NewKey(password string) ([]byte, error) {
	return newKey(password, c.config.RootDir, "salt")
}

func (c *Client) New() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state == StateNew
}

func (c *Client) Initialized() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state == StateInitialized
}

func (c *Client) Running() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state == StateRunning
}

// Metrics gathers the counters of the encryption layer.
func (c *Client) Metrics() prometheus.Gatherer {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.registry
}

// Initialize creates the database encrypted with key, opens it and uploads a fresh identity with a
// full prekey pool.
func (c *Client) Initialize(key []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != StateNew {
		return errors.New("e2e: cannot initialize unless in state new")
	}
	if err := c.DB.Initialize(key); err != nil {
		return err
	}
	c.state = StateInitialized
	if err := c.open(key); err != nil {
		return err
	}
	return c.layer.SendKeys(true)
}

// Open an existing database with key.
func (c *Client) Open(key []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.open(key)
}

func (c *Client) open(key []byte) error {
	if c.state != StateInitialized {
		return errors.New("e2e: cannot open unless in state initialized")
	}
	if err := c.DB.Open(key); err != nil {
		return err
	}
	s, err := store.New(c.config, c.DB, c.clock)
	if err != nil {
		return multierr.Append(err, c.DB.Shutdown())
	}
	// counters start again with each layer
	c.registry = prometheus.NewRegistry()
	l, err := encryption.New(c.config, s, c.self, c.lower, c.upper, c.requester, c.clock, c.registry)
	if err != nil {
		return multierr.Append(err, c.DB.Shutdown())
	}
	c.store = s
	c.layer = l
	c.state = StateRunning
	return nil
}

func (c *Client) running() (*encryption.Layer, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != StateRunning {
		return nil, fmt.Errorf("e2e: not running, state is %d", c.state)
	}
	return c.layer, nil
}

// Send encrypts n if it is a message and passes it to the transport.
func (c *Client) Send(n *node.Node) error {
	l, err := c.running()
	if err != nil {
		return err
	}
	return l.Send(n)
}

// Receive decrypts n if it is a message and passes it to the application.
func (c *Client) Receive(n *node.Node) error {
	l, err := c.running()
	if err != nil {
		return err
	}
	return l.Receive(n)
}

// SendKeys uploads our keys again, making a new identity when fresh is set.
func (c *Client) SendKeys(fresh bool) error {
	l, err := c.running()
	if err != nil {
		return err
	}
	return l.SendKeys(fresh)
}

// Wait blocks until background key exchanges and resends have finished.
func (c *Client) Wait() {
	if l, err := c.running(); err == nil {
		l.Wait()
	}
}

func (c *Client) Shutdown() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	c.layer.Shutdown()
	if err := c.DB.Shutdown(); err != nil {
		return fmt.Errorf("e2e: error during shutdown: %w", err)
	}
	c.layer = nil
	c.store = nil
	c.state = StateInitialized
	return nil
}
