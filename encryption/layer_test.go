package encryption

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/meow-io/go-e2e/config"
	"github.com/meow-io/go-e2e/internal/test"
	"github.com/meow-io/go-e2e/jid"
	"github.com/meow-io/go-e2e/node"
	"github.com/meow-io/go-e2e/payload"
	"github.com/meow-io/go-e2e/ratchet"
	"github.com/meow-io/go-e2e/senderkey"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

// connect has a send to b and b reply so both sides hold a confirmed session.
func connect(t *testing.T, s *fakeServer, a, b *client) {
	require := require.New(t)
	require.Nil(a.layer.Send(text(b.name, "hello-"+b.name, "hello")))
	a.layer.Wait()
	for _, n := range a.takeSent() {
		require.Nil(s.route(a, n))
	}
	require.Nil(b.layer.Send(text(a.name, "hello-"+a.name, "hello back")))
	b.layer.Wait()
	for _, n := range b.takeSent() {
		require.Nil(s.route(b, n))
	}
	require.Equal([]string{"hello"}, bodies(b.takeReceived()))
	require.Equal([]string{"hello back"}, bodies(a.takeReceived()))
}

func TestDirectConversation(t *testing.T) {
	require := require.New(t)
	s := newFakeServer()
	alice, bob := s.newClient(t, "alice"), s.newClient(t, "bob")

	require.Nil(alice.layer.Send(text("bob", "m1", "hello")))
	alice.layer.Wait()
	out := alice.takeSent()
	require.Len(out, 1)
	require.Equal("m1", out[0].Get("id"))
	require.Equal("text", out[0].Get("type"))
	require.Nil(out[0].Child("body"))
	enc := out[0].Child("enc")
	require.Equal("pkmsg", enc.Get("type"))
	require.Equal("2", enc.Get("v"))
	require.Equal([][]string{{"bob"}}, s.fetched())

	require.Nil(s.route(alice, out[0]))
	got := bob.takeReceived()
	require.Len(got, 1)
	require.Equal("hello", string(got[0].Child("body").Data))
	require.Equal(payload.Conversation, got[0].Child("body").Get("type"))
	require.Equal("alice@s.whatsapp.net", got[0].Get("from"))
	require.Equal("m1", got[0].Get("id"))

	require.Nil(bob.layer.Send(text("alice", "m2", "hi")))
	reply := bob.takeSent()
	require.Len(reply, 1)
	require.Equal("msg", reply[0].Child("enc").Get("type"))
	require.Nil(s.route(bob, reply[0]))
	require.Equal([]string{"hi"}, bodies(alice.takeReceived()))

	for i, b := range []string{"one", "two", "three"} {
		require.Nil(alice.layer.Send(text("bob", fmt.Sprintf("n%d", i), b)))
		sent := alice.takeSent()
		require.Len(sent, 1)
		require.Equal("msg", sent[0].Child("enc").Get("type"))
		require.Nil(s.route(alice, sent[0]))
	}
	require.Equal([]string{"one", "two", "three"}, bodies(bob.takeReceived()))
	require.Len(s.fetched(), 1)
	require.Equal(float64(3), testutil.ToFloat64(bob.layer.metrics.decrypted.WithLabelValues("msg")))
}

func TestAssignsMessageID(t *testing.T) {
	require := require.New(t)
	s := newFakeServer()
	alice, _ := s.newClient(t, "alice"), s.newClient(t, "bob")

	n := text("bob", "", "no id")
	require.Nil(alice.layer.Send(n))
	alice.layer.Wait()
	out := alice.takeSent()
	require.Len(out, 1)
	require.NotEmpty(out[0].Get("id"))
}

func TestMediaMessage(t *testing.T) {
	require := require.New(t)
	s := newFakeServer()
	alice, bob := s.newClient(t, "alice"), s.newClient(t, "bob")

	n := node.New("message", map[string]string{"to": jid.Normalize("bob"), "id": "img"},
		node.NewData("body", map[string]string{"type": payload.Image}, []byte{1, 2, 3}))
	require.Nil(alice.layer.Send(n))
	alice.layer.Wait()
	out := alice.takeSent()
	require.Len(out, 1)
	require.Equal("media", out[0].Get("type"))
	require.Equal("image", out[0].Child("enc").Get("mediatype"))

	require.Nil(s.route(alice, out[0]))
	got := bob.takeReceived()
	require.Len(got, 1)
	require.Equal(payload.Image, got[0].Child("body").Get("type"))
	require.Equal([]byte{1, 2, 3}, got[0].Child("body").Data)
}

func TestDuplicateDelivery(t *testing.T) {
	require := require.New(t)
	s := newFakeServer()
	alice, bob := s.newClient(t, "alice"), s.newClient(t, "bob")

	require.Nil(alice.layer.Send(text("bob", "m1", "once")))
	alice.layer.Wait()
	out := alice.takeSent()
	require.Len(out, 1)
	require.Nil(s.route(alice, out[0]))
	require.Nil(s.route(alice, out[0]))

	require.Equal([]string{"once"}, bodies(bob.takeReceived()))
	receipts := bob.takeSent()
	require.Len(receipts, 1)
	require.Equal("receipt", receipts[0].Tag)
	require.Equal("m1", receipts[0].Get("id"))
	require.Equal("alice@s.whatsapp.net", receipts[0].Get("to"))
	require.Empty(receipts[0].Get("type"))
	require.Equal(float64(1), testutil.ToFloat64(bob.layer.metrics.duplicates))
}

func corrupt(t *testing.T, n *node.Node) *node.Node {
	out := n.Clone()
	enc := out.Child("enc")
	m, err := ratchet.ParseWhisperMessage(enc.Data)
	require.Nil(t, err)
	m.Ciphertext[0] ^= 0xff
	enc.Data = m.Marshal()
	return out
}

func TestRetryGiveUp(t *testing.T) {
	require := require.New(t)
	s := newFakeServer()
	alice, bob := s.newClient(t, "alice"), s.newClient(t, "bob")
	connect(t, s, alice, bob)

	require.Nil(alice.layer.Send(text("bob", "m2", "broken")))
	out := alice.takeSent()
	require.Len(out, 1)
	bad := corrupt(t, out[0])

	require.Nil(s.route(alice, bad))
	receipts := bob.takeSent()
	require.Len(receipts, 1)
	r := receipts[0]
	require.Equal("receipt", r.Tag)
	require.Equal("retry", r.Get("type"))
	require.Equal("m2", r.Get("id"))
	require.Equal("alice@s.whatsapp.net", r.Get("to"))
	require.Equal("1", r.Child("retry").Get("count"))
	require.Equal("m2", r.Child("retry").Get("id"))
	require.Equal("1", r.Child("retry").Get("v"))
	require.Len(r.Child("registration").Data, 4)

	require.Nil(s.route(alice, bad))
	require.Empty(bob.takeSent())
	require.Empty(bob.takeReceived())

	require.Nil(alice.layer.Send(text("bob", "m3", "broken resend")))
	resend := corrupt(t, alice.takeSent()[0])
	resend.Set("count", "1")
	require.Nil(s.route(alice, resend))
	require.Empty(bob.takeSent())

	require.Equal(float64(1), testutil.ToFloat64(bob.layer.metrics.retryReceipts))
	require.Equal(float64(2), testutil.ToFloat64(bob.layer.metrics.retryGiveUps))
}

func TestPendingMessagesReplayInOrder(t *testing.T) {
	require := require.New(t)
	s := newFakeServer()
	alice, bob := s.newClient(t, "alice"), s.newClient(t, "bob")
	connect(t, s, alice, bob)
	require.Nil(bob.store.Run("forget alice", func() error {
		return bob.store.DeleteSession("alice")
	}))

	var out []*node.Node
	for _, id := range []string{"e1", "e2", "e3"} {
		require.Nil(alice.layer.Send(text("bob", id, "lost "+id)))
		sent := alice.takeSent()
		require.Len(sent, 1)
		out = append(out, sent[0])
	}

	release := s.holdFetches()
	for _, n := range out {
		require.Nil(s.route(alice, n))
	}
	require.Empty(bob.takeSent())
	require.Empty(bob.takeReceived())
	require.Equal(3, bob.layer.pending.len(pendingKey{from: "alice"}))
	release()
	bob.layer.Wait()

	receipts := bob.takeSent()
	require.Len(receipts, 3)
	for i, id := range []string{"e1", "e2", "e3"} {
		require.Equal("retry", receipts[i].Get("type"))
		require.Equal(id, receipts[i].Get("id"))
	}
	require.Equal(0, bob.layer.pending.len(pendingKey{from: "alice"}))
	require.Equal(float64(3), testutil.ToFloat64(bob.layer.metrics.pendingBuffered))

	for _, r := range receipts {
		require.Nil(s.route(bob, r))
		alice.layer.Wait()
		sent := alice.takeSent()
		require.Len(sent, 2)
		require.Equal("ack", sent[0].Tag)
		require.Equal("receipt", sent[0].Get("class"))
		require.Equal(r.Get("id"), sent[0].Get("id"))
		resend := sent[1]
		require.Equal(r.Get("id"), resend.Get("id"))
		require.Equal("1", resend.Get("count"))
		require.Equal("pkmsg", resend.Child("enc").Get("type"))
		require.Nil(s.route(alice, resend))
	}
	require.Equal([]string{"lost e1", "lost e2", "lost e3"}, bodies(bob.takeReceived()))
	require.Equal(float64(3), testutil.ToFloat64(alice.layer.metrics.resends))
}

func TestPendingKeyExchangeFailure(t *testing.T) {
	require := require.New(t)
	s := newFakeServer()
	alice, bob := s.newClient(t, "alice"), s.newClient(t, "bob")
	connect(t, s, alice, bob)
	require.Nil(bob.store.Run("forget alice", func() error {
		return bob.store.DeleteSession("alice")
	}))
	require.Nil(alice.layer.Send(text("bob", "e1", "stuck")))
	out := alice.takeSent()

	s.lock.Lock()
	delete(s.users, "alice")
	s.lock.Unlock()
	require.Nil(s.route(alice, out[0]))
	bob.layer.Wait()

	require.Empty(bob.takeSent())
	require.Empty(bob.takeReceived())
	require.Equal(1, bob.layer.pending.len(pendingKey{from: "alice"}))
	require.Equal(float64(1), testutil.ToFloat64(bob.layer.metrics.keyFetches.WithLabelValues("failed")))
}

func TestUntrustedIdentity(t *testing.T) {
	require := require.New(t)
	s := newFakeServer()
	alice := s.newClient(t, "alice")
	bob := s.newClient(t, "bob")
	carol := s.newClient(t, "carol", config.WithAutoTrustIdentity(false))

	stale, err := ratchet.NewIdentityKeyPair()
	require.Nil(err)
	for _, c := range []*client{bob, carol} {
		require.Nil(c.store.Run("pin identity", func() error {
			return c.store.SaveIdentity("alice", stale.Public)
		}))
	}

	require.Nil(alice.layer.Send(text("bob", "t1", "trust me")))
	require.Nil(alice.layer.Send(text("carol", "t2", "trust me")))
	alice.layer.Wait()
	for _, n := range alice.takeSent() {
		require.Nil(s.route(alice, n))
	}

	require.Equal([]string{"trust me"}, bodies(bob.takeReceived()))
	var trusted ratchet.IdentityKey
	require.Nil(bob.store.RunReadOnly("identity", func() (err error) {
		trusted, err = bob.store.Identity("alice")
		return
	}))
	var ours *ratchet.IdentityKeyPair
	require.Nil(alice.store.RunReadOnly("identity", func() (err error) {
		ours, err = alice.store.IdentityKeyPair()
		return
	}))
	require.True(trusted.Equal(ours.Public))

	require.Empty(carol.takeReceived())
	require.Empty(carol.takeSent())
	require.Equal(float64(1), testutil.ToFloat64(carol.layer.metrics.decryptFailures.WithLabelValues("untrusted")))
}

func newGroup(s *fakeServer, members ...string) string {
	group := members[0] + "-1600000000"
	s.lock.Lock()
	s.groups[group] = members
	s.lock.Unlock()
	return group
}

func TestGroupFanOut(t *testing.T) {
	require := require.New(t)
	s := newFakeServer()
	alice, bob, carol, dave := s.newClient(t, "alice"), s.newClient(t, "bob"), s.newClient(t, "carol"), s.newClient(t, "dave")
	group := newGroup(s, "alice", "bob", "carol", "dave")
	connect(t, s, alice, carol)
	connect(t, s, alice, dave)
	s.resetFetches()

	require.Nil(alice.layer.Send(text(group, "g1", "hello group")))
	alice.layer.Wait()
	require.Equal([][]string{{"bob"}}, s.fetched())

	out := alice.takeSent()
	require.Len(out, 1)
	msg := out[0]
	require.Equal(jid.Normalize(group), msg.Get("to"))
	direct := msg.ChildrenByTag("enc")
	require.Len(direct, 1)
	require.Equal("skmsg", direct[0].Get("type"))
	targets := msg.Child("participants").ChildrenByTag("to")
	require.Len(targets, 3)
	types := map[string]string{}
	for _, to := range targets {
		types[to.Get("jid")] = to.Child("enc").Get("type")
	}
	require.Equal(map[string]string{
		"bob@s.whatsapp.net":   "pkmsg",
		"carol@s.whatsapp.net": "msg",
		"dave@s.whatsapp.net":  "msg",
	}, types)

	require.Nil(s.route(alice, msg))
	for _, c := range []*client{bob, carol, dave} {
		got := c.takeReceived()
		require.Len(got, 1)
		require.Equal("hello group", string(got[0].Child("body").Data))
		require.Equal(jid.Normalize(group), got[0].Get("from"))
		require.Equal("alice@s.whatsapp.net", got[0].Get("participant"))
	}

	require.Nil(alice.layer.Send(text(group, "g2", "again")))
	out = alice.takeSent()
	require.Len(out, 1)
	require.Nil(out[0].Child("participants"))
	require.Equal("skmsg", out[0].Child("enc").Get("type"))
	require.Nil(s.route(alice, out[0]))
	for _, c := range []*client{bob, carol, dave} {
		require.Equal([]string{"again"}, bodies(c.takeReceived()))
	}
	require.Len(s.fetched(), 1)
}

func TestGroupRetryResendsToOneMember(t *testing.T) {
	require := require.New(t)
	s := newFakeServer()
	alice, bob, carol := s.newClient(t, "alice"), s.newClient(t, "bob"), s.newClient(t, "carol")
	group := newGroup(s, "alice", "bob", "carol")

	require.Nil(alice.layer.Send(text(group, "g1", "hello group")))
	alice.layer.Wait()
	out := alice.takeSent()
	require.Len(out, 1)

	// carol only sees the broadcast, never her distribution.
	stripped := out[0].Clone()
	stripped.RemoveChildren("participants")
	require.Nil(s.routeTo(alice, stripped, "carol"))
	require.Nil(s.routeTo(alice, out[0], "bob"))
	require.Equal([]string{"hello group"}, bodies(bob.takeReceived()))
	require.Empty(carol.takeReceived())

	receipts := carol.takeSent()
	require.Len(receipts, 1)
	require.Equal("retry", receipts[0].Get("type"))
	require.Equal(jid.Normalize(group), receipts[0].Get("to"))
	require.Equal("alice@s.whatsapp.net", receipts[0].Get("participant"))

	s.resetFetches()
	require.Nil(s.route(carol, receipts[0]))
	alice.layer.Wait()
	require.Equal([][]string{{"carol"}}, s.fetched())
	sent := alice.takeSent()
	require.Len(sent, 2)
	require.Equal("ack", sent[0].Tag)
	require.Equal("carol@s.whatsapp.net", sent[0].Get("participant"))
	resend := sent[1]
	require.Equal("1", resend.Get("count"))
	require.Nil(resend.Child("enc"))
	targets := resend.Child("participants").ChildrenByTag("to")
	require.Len(targets, 1)
	require.Equal("carol@s.whatsapp.net", targets[0].Get("jid"))

	require.Nil(s.route(alice, resend))
	require.Equal([]string{"hello group"}, bodies(carol.takeReceived()))
	require.Empty(bob.takeReceived())
	_, ok := alice.layer.sent.peek("g1")
	require.True(ok)
}

func TestGroupDuplicateSendsOneReceipt(t *testing.T) {
	require := require.New(t)
	s := newFakeServer()
	alice, bob := s.newClient(t, "alice"), s.newClient(t, "bob")
	group := newGroup(s, "alice", "bob")

	require.Nil(alice.layer.Send(text(group, "g1", "hello group")))
	alice.layer.Wait()
	out := alice.takeSent()
	require.Len(out, 1)
	require.Nil(s.route(alice, out[0]))
	require.Equal([]string{"hello group"}, bodies(bob.takeReceived()))
	require.Len(bob.takeSent(), 1)

	require.Nil(s.route(alice, out[0]))
	require.Empty(bob.takeReceived())
	receipts := bob.takeSent()
	require.Len(receipts, 1)
	require.Equal("receipt", receipts[0].Tag)
	require.Empty(receipts[0].Get("type"))
	require.Equal("g1", receipts[0].Get("id"))
	require.Equal(float64(1), testutil.ToFloat64(bob.layer.metrics.duplicates))
}

func TestGroupResendCountFollowsRetryReceipt(t *testing.T) {
	require := require.New(t)
	s := newFakeServer()
	alice, carol := s.newClient(t, "alice"), s.newClient(t, "carol")
	group := newGroup(s, "alice", "carol")

	require.Nil(alice.layer.Send(text(group, "g1", "hello group")))
	alice.layer.Wait()
	require.Len(alice.takeSent(), 1)

	var counts []string
	for _, count := range []string{"1", "2"} {
		r := node.New("receipt", map[string]string{"type": "retry", "id": "g1", "to": jid.Normalize(group), "participant": jid.Normalize("alice")},
			node.New("retry", map[string]string{"count": count, "id": "g1", "t": "1600000000", "v": "1"}))
		require.Nil(s.route(carol, r))
		alice.layer.Wait()
		sent := alice.takeSent()
		require.Len(sent, 2)
		require.Equal("ack", sent[0].Tag)
		counts = append(counts, sent[1].Get("count"))
	}
	require.Equal([]string{"1", "2"}, counts)

	r := node.New("receipt", map[string]string{"type": "retry", "id": "g1", "to": jid.Normalize(group), "participant": jid.Normalize("alice")})
	require.Nil(s.route(carol, r))
	alice.layer.Wait()
	sent := alice.takeSent()
	require.Len(sent, 2)
	require.Equal("1", sent[1].Get("count"))
}

func TestReceiptsForUnknownMessagesPassUp(t *testing.T) {
	require := require.New(t)
	s := newFakeServer()
	alice := s.newClient(t, "alice")

	retry := node.New("receipt", map[string]string{"type": "retry", "id": "unknown", "from": jid.Normalize("bob")})
	require.Nil(alice.layer.Receive(retry))
	delivery := node.New("receipt", map[string]string{"id": "m1", "from": jid.Normalize("bob")})
	require.Nil(alice.layer.Receive(delivery))
	presence := node.New("presence", map[string]string{"from": jid.Normalize("bob")})
	require.Nil(alice.layer.Receive(presence))

	got := alice.takeReceived()
	require.Len(got, 3)
	require.Equal("unknown", got[0].Get("id"))
	require.Equal("m1", got[1].Get("id"))
	require.Equal("presence", got[2].Tag)
	require.Empty(alice.takeSent())
}

func TestNonMessagesPassDown(t *testing.T) {
	require := require.New(t)
	s := newFakeServer()
	alice := s.newClient(t, "alice")

	iq := node.New("iq", map[string]string{"type": "get", "id": "1"})
	require.Nil(alice.layer.Send(iq))
	env := &envelope{kind: kindWhisper, version: envelopeVersion, ciphertext: []byte{1}}
	encrypted := node.New("message", map[string]string{"to": jid.Normalize("bob"), "id": "x"}, env.node())
	require.Nil(alice.layer.Send(encrypted))

	out := alice.takeSent()
	require.Len(out, 2)
	require.Equal(iq, out[0])
	require.Equal(encrypted, out[1])
	require.Empty(s.fetched())
}

func TestEncryptNotificationReplenishesPreKeys(t *testing.T) {
	require := require.New(t)
	s := newFakeServer()
	bob := s.newClient(t, "bob")

	notify := func(id string, count int) {
		n := node.New("notification", map[string]string{"type": "encrypt", "id": id, "from": jid.UserServer},
			node.New("count", map[string]string{"value": fmt.Sprint(count)}))
		require.Nil(bob.layer.Receive(n))
		bob.layer.Wait()
	}

	notify("n1", 2)
	acks := bob.takeSent()
	require.Len(acks, 1)
	require.Equal("ack", acks[0].Tag)
	require.Equal("notification", acks[0].Get("class"))
	require.Equal("encrypt", acks[0].Get("type"))
	require.Equal("n1", acks[0].Get("id"))

	var count int
	var last uint32
	require.Nil(bob.store.RunReadOnly("prekeys", func() (err error) {
		if count, err = bob.store.PreKeyCount(); err != nil {
			return err
		}
		last, err = bob.store.LastPreKeyID()
		return
	}))
	require.Equal(8, count)
	require.Equal(uint32(8), last)
	s.lock.Lock()
	require.Len(s.users["bob"].keys, 8)
	s.lock.Unlock()

	notify("n2", 5)
	require.Len(bob.takeSent(), 1)
	s.lock.Lock()
	require.Len(s.users["bob"].keys, 8)
	s.lock.Unlock()
	require.Empty(bob.takeReceived())
}

func TestSkipEncryption(t *testing.T) {
	require := require.New(t)
	s := newFakeServer()
	alice := s.newClient(t, "alice", config.WithSkipEncryption("status"))

	require.Nil(alice.layer.Send(text("status", "s1", "visible")))
	out := alice.takeSent()
	require.Len(out, 1)
	require.Equal("visible", string(out[0].Child("body").Data))
	require.Nil(out[0].Child("enc"))
	require.Empty(s.fetched())
}

func TestPlaintextFallbackWithoutKeys(t *testing.T) {
	require := require.New(t)
	s := newFakeServer()
	alice := s.newClient(t, "alice")

	require.Nil(alice.layer.Send(text("nobody", "p1", "in the clear")))
	alice.layer.Wait()
	out := alice.takeSent()
	require.Len(out, 1)
	require.Equal("in the clear", string(out[0].Child("body").Data))
	require.Nil(out[0].Child("enc"))
	require.Equal(float64(1), testutil.ToFloat64(alice.layer.metrics.plaintextFallback))
}

func TestUnsupportedEnvelopeVersion(t *testing.T) {
	require := require.New(t)
	s := newFakeServer()
	alice, bob := s.newClient(t, "alice"), s.newClient(t, "bob")

	require.Nil(alice.layer.Send(text("bob", "v1", "old")))
	alice.layer.Wait()
	out := alice.takeSent()[0]
	out.Child("enc").Set("v", "1")
	require.Nil(s.route(alice, out))
	require.Empty(bob.takeReceived())
	require.Empty(bob.takeSent())

	bogus := out.Clone()
	bogus.Child("enc").Set("type", "nope")
	require.True(errors.Is(s.route(alice, bogus), errUnknownEnvelope))
	require.Equal(float64(1), testutil.ToFloat64(bob.layer.metrics.decryptFailures.WithLabelValues("malformed")))
}

func TestEmptyPlaintextIsError(t *testing.T) {
	require := require.New(t)
	s := newFakeServer()
	alice := s.newClient(t, "alice")

	in := newInbound(node.New("message", map[string]string{"from": jid.Normalize("bob"), "id": "e"}), false)
	err := alice.layer.deliver(in, nil)
	require.True(errors.Is(err, payload.ErrEmpty))
	require.Empty(alice.takeReceived())
}

func TestClassify(t *testing.T) {
	require := require.New(t)
	padded, err := pad([]byte("ok"))
	require.Nil(err)
	identity := ratchet.IdentityKey{1, 2, 3}

	for _, tc := range []struct {
		plaintext []byte
		err       error
		kind      resultKind
	}{
		{padded, nil, resultOK},
		{[]byte{}, nil, resultMalformed},
		{nil, fmt.Errorf("wrapped: %w", ratchet.ErrNoSession), resultNoSession},
		{nil, senderkey.ErrNoSession, resultNoSession},
		{nil, ratchet.ErrInvalidMessage, resultInvalid},
		{nil, ratchet.ErrInvalidKeyID, resultInvalid},
		{nil, senderkey.ErrInvalidMessage, resultInvalid},
		{nil, ratchet.ErrDuplicateMessage, resultDuplicate},
		{nil, senderkey.ErrDuplicateMessage, resultDuplicate},
		{nil, &ratchet.UntrustedIdentityError{Peer: "bob", Key: identity}, resultUntrusted},
		{nil, ratchet.ErrUnsupportedVersion, resultMalformed},
		{nil, errors.New("disk full"), resultFailed},
	} {
		res := classify(tc.plaintext, tc.err)
		require.Equal(tc.kind, res.kind, "%v", tc.err)
		switch res.kind {
		case resultOK:
			require.Equal([]byte("ok"), res.plaintext)
		case resultUntrusted:
			require.Equal(identity, res.identity)
		}
	}
}
