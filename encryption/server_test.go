package encryption

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/meow-io/go-e2e/clock"
	"github.com/meow-io/go-e2e/config"
	"github.com/meow-io/go-e2e/internal/test"
	"github.com/meow-io/go-e2e/jid"
	"github.com/meow-io/go-e2e/node"
	"github.com/meow-io/go-e2e/payload"
	"github.com/meow-io/go-e2e/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type uploadedKeys struct {
	identity     []byte
	registration []byte
	skey         *node.Node
	keys         []*node.Node
}

// fakeServer answers key and group iqs and routes nodes between clients the way the real server
// would address them.
type fakeServer struct {
	lock    sync.Mutex
	clients map[string]*client
	users   map[string]*uploadedKeys
	groups  map[string][]string
	fetches [][]string
	hold    chan struct{}
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		clients: map[string]*client{},
		users:   map[string]*uploadedKeys{},
		groups:  map[string][]string{},
	}
}

// holdFetches blocks key fetches until the returned func is called.
func (s *fakeServer) holdFetches() func() {
	s.lock.Lock()
	defer s.lock.Unlock()
	hold := make(chan struct{})
	s.hold = hold
	return func() {
		s.lock.Lock()
		s.hold = nil
		s.lock.Unlock()
		close(hold)
	}
}

func (s *fakeServer) fetched() [][]string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([][]string(nil), s.fetches...)
}

func (s *fakeServer) resetFetches() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.fetches = nil
}

func (s *fakeServer) request(ctx context.Context, from string, iq *node.Node) (*node.Node, error) {
	switch {
	case iq.Get("xmlns") == "encrypt" && iq.Get("type") == "set":
		return s.upload(from, iq), nil
	case iq.Get("xmlns") == "encrypt" && iq.Get("type") == "get":
		s.lock.Lock()
		hold := s.hold
		s.lock.Unlock()
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return s.fetch(iq), nil
	case iq.Get("xmlns") == "w:g2":
		return s.group(iq), nil
	}
	return nil, fmt.Errorf("unexpected iq %s", iq)
}

func result(iq *node.Node, children ...*node.Node) *node.Node {
	return node.New("iq", map[string]string{"type": "result", "id": iq.Get("id"), "from": iq.Get("to")}, children...)
}

func (s *fakeServer) upload(from string, iq *node.Node) *node.Node {
	s.lock.Lock()
	defer s.lock.Unlock()
	u, ok := s.users[from]
	identity := iq.Child("identity").Data
	if !ok || string(u.identity) != string(identity) {
		u = &uploadedKeys{identity: identity}
		s.users[from] = u
	}
	u.registration = iq.Child("registration").Data
	u.skey = iq.Child("skey").Clone()
	for _, k := range iq.Child("list").ChildrenByTag("key") {
		u.keys = append(u.keys, k.Clone())
	}
	return result(iq)
}

func (s *fakeServer) fetch(iq *node.Node) *node.Node {
	s.lock.Lock()
	defer s.lock.Unlock()
	list := node.New("list", nil)
	var requested []string
	for _, user := range iq.Child("key").ChildrenByTag("user") {
		name := jid.Denormalize(user.Get("jid"))
		requested = append(requested, name)
		out := node.New("user", map[string]string{"jid": user.Get("jid")})
		u, ok := s.users[name]
		if !ok {
			out.AddChild(node.New("error", map[string]string{"code": "404", "text": "item-not-found"}))
			list.AddChild(out)
			continue
		}
		out.AddChild(node.NewData("registration", nil, u.registration))
		out.AddChild(node.NewData("identity", nil, u.identity))
		out.AddChild(u.skey.Clone())
		if len(u.keys) > 0 {
			out.AddChild(u.keys[0])
			u.keys = u.keys[1:]
		}
		list.AddChild(out)
	}
	s.fetches = append(s.fetches, requested)
	return result(iq, list)
}

func (s *fakeServer) group(iq *node.Node) *node.Node {
	s.lock.Lock()
	defer s.lock.Unlock()
	g := node.New("group", map[string]string{"id": jid.Denormalize(iq.Get("to"))})
	for _, m := range s.groups[jid.Denormalize(iq.Get("to"))] {
		g.AddChild(node.New("participant", map[string]string{"jid": jid.Normalize(m)}))
	}
	return result(iq, g)
}

func (s *fakeServer) client(name string) *client {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.clients[name]
}

// route delivers a node sent by from to every recipient, addressed as they would receive it.
func (s *fakeServer) route(from *client, out *node.Node) error {
	return s.routeTo(from, out, "")
}

// routeTo is route limited to one group member when only is set.
func (s *fakeServer) routeTo(from *client, out *node.Node, only string) error {
	to := out.Get("to")
	if !jid.IsGroup(to) {
		in := out.Clone()
		in.Set("to", "")
		in.Set("from", jid.Normalize(from.name))
		return s.client(jid.Denormalize(to)).layer.Receive(in)
	}

	group := jid.Denormalize(to)
	if out.Tag == "receipt" {
		in := out.Clone()
		in.Set("to", "")
		in.Set("from", jid.Normalize(group))
		in.Set("participant", jid.Normalize(from.name))
		return s.client(jid.Denormalize(out.Get("participant"))).layer.Receive(in)
	}
	s.lock.Lock()
	members := append([]string(nil), s.groups[group]...)
	s.lock.Unlock()
	for _, m := range members {
		if m == from.name || (only != "" && m != only) {
			continue
		}
		in := node.New(out.Tag, nil)
		for k, v := range out.Attrs {
			in.Set(k, v)
		}
		in.Set("to", "")
		in.Set("from", jid.Normalize(group))
		in.Set("participant", jid.Normalize(from.name))
		for _, c := range out.Children {
			if c.Tag == "enc" {
				in.AddChild(c.Clone())
			}
		}
		if p := out.Child("participants"); p != nil {
			for _, t := range p.ChildrenByTag("to") {
				if jid.Denormalize(t.Get("jid")) == m {
					in.AddChild(t.Child("enc").Clone())
				}
			}
		}
		if len(in.Children) == 0 {
			continue
		}
		if err := s.client(m).layer.Receive(in); err != nil {
			return err
		}
	}
	return nil
}

// client is one user: its layer, store and everything the layer sent down or passed up.
type client struct {
	name     string
	layer    *Layer
	store    *store.Store
	server   *fakeServer
	lock     sync.Mutex
	sent     []*node.Node
	received []*node.Node
}

func (c *client) Send(n *node.Node) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sent = append(c.sent, n.Clone())
	return nil
}

func (c *client) Receive(n *node.Node) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.received = append(c.received, n.Clone())
	return nil
}

func (c *client) Request(ctx context.Context, iq *node.Node) (*node.Node, error) {
	return c.server.request(ctx, c.name, iq)
}

func (c *client) takeSent() []*node.Node {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := c.sent
	c.sent = nil
	return out
}

func (c *client) takeReceived() []*node.Node {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := c.received
	c.received = nil
	return out
}

func (s *fakeServer) newClient(t *testing.T, name string, opts ...config.Option) *client {
	require := require.New(t)
	cfg := test.NewTestConfig(name, append([]config.Option{config.WithPreKeyPoolSize(5)}, opts...)...)
	st, err := store.New(cfg, test.NewTestDatabase(cfg), clock.NewSystemClock())
	require.Nil(err)
	c := &client{name: name, store: st, server: s}
	c.layer, err = New(cfg, st, jid.Normalize(name), c, c, c, clock.NewSystemClock(), prometheus.NewRegistry())
	require.Nil(err)
	s.lock.Lock()
	s.clients[name] = c
	s.lock.Unlock()
	t.Cleanup(func() {
		c.layer.Shutdown()
		_ = st.Shutdown()
	})
	require.Nil(c.layer.SendKeys(true))
	return c
}

func text(to, id, body string) *node.Node {
	return node.New("message", map[string]string{"to": jid.Normalize(to), "id": id},
		node.NewData("body", map[string]string{"type": payload.Conversation}, []byte(body)))
}

func bodies(nodes []*node.Node) []string {
	var out []string
	for _, n := range nodes {
		if b := n.Child("body"); b != nil {
			out = append(out, string(b.Data))
		}
	}
	return out
}

func byTag(nodes []*node.Node, tag string) []*node.Node {
	var out []*node.Node
	for _, n := range nodes {
		if n.Tag == tag {
			out = append(out, n)
		}
	}
	return out
}
