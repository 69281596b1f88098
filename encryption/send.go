package encryption

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/meow-io/go-e2e/jid"
	"github.com/meow-io/go-e2e/node"
	"github.com/meow-io/go-e2e/payload"
	"github.com/meow-io/go-e2e/ratchet"
	"github.com/meow-io/go-e2e/senderkey"
	"go.uber.org/multierr"
)

// bodyOf reads the single body child of an outbound message.
func bodyOf(n *node.Node) (*payload.Body, error) {
	b := n.Child("body")
	if b == nil {
		return nil, fmt.Errorf("encryption: message %s has no body", n.Get("id"))
	}
	if !payload.KnownBody(b.Get("type")) {
		return nil, fmt.Errorf("%w: %s", payload.ErrUnknownBody, b.Get("type"))
	}
	return &payload.Body{Type: b.Get("type"), Data: b.Data}, nil
}

func mediaType(b *payload.Body) string {
	if b == nil || !payload.IsMedia(b.Type) {
		return ""
	}
	return strings.TrimSuffix(b.Type, "_message")
}

func encode(m *payload.Message) ([]byte, error) {
	b, err := payload.Marshal(m)
	if err != nil {
		return nil, err
	}
	return pad(b)
}

func (l *Layer) containsSession(peer string) (bool, error) {
	var ok bool
	err := l.store.RunReadOnly("contains session", func() (err error) {
		ok, err = l.store.ContainsSession(peer)
		return
	})
	return ok, err
}

// sendDirect encrypts n for its peer, fetching keys first when there is no session. If no session
// can be made n goes out unencrypted.
func (l *Layer) sendDirect(n *node.Node) error {
	peer := jid.Denormalize(n.Get("to"))
	ok, err := l.containsSession(peer)
	if err != nil {
		return err
	}
	if ok {
		return l.encryptDirect(n, peer)
	}
	keys := l.fetchKeys([]string{peer})
	l.goAsync(func() {
		res := <-keys
		var err error
		if res.succeeded(peer) {
			err = l.encryptDirect(n, peer)
		} else {
			l.log.Warnf("no session with %s, sending %s unencrypted", peer, n.Get("id"))
			l.metrics.plaintextFallback.Inc()
			err = l.lower.Send(n)
		}
		if err != nil {
			l.log.Errorf("error sending %s to %s: %v", n.Get("id"), peer, err)
		}
	})
	return nil
}

func (l *Layer) encryptDirect(n *node.Node, peer string) error {
	body, err := bodyOf(n)
	if err != nil {
		return err
	}
	plaintext, err := encode(&payload.Message{Body: body})
	if err != nil {
		return err
	}

	entry := l.sessions.get(peer)
	entry.Lock()
	defer entry.Unlock()
	var ct *ratchet.CiphertextMessage
	if err := l.store.Run("encrypt message", func() (err error) {
		ct, err = entry.cipher.Encrypt(plaintext)
		return
	}); err != nil {
		return fmt.Errorf("encryption: error encrypting %s for %s: %w", n.Get("id"), peer, err)
	}
	e := envelopeFor(ct)
	e.mediaType = mediaType(body)
	l.metrics.encrypted.WithLabelValues(e.kind.String()).Inc()
	l.sent.push(n)
	return l.lower.Send(wrap(n, nil, []*envelope{e}))
}

// sendGroup sends n to its group. The first send resolves the members and makes sure each has a
// session, later sends only carry the sender key envelope. A retry only sends the distribution,
// merged with the body, to members.
func (l *Layer) sendGroup(n *node.Node, retryCount int, members []string) error {
	group := jid.Denormalize(n.Get("to"))
	name := senderkey.SenderKeyName{GroupID: group, Sender: l.self}
	if retryCount > 0 {
		return l.fanOut(n, name, members, retryCount)
	}

	var empty bool
	if err := l.store.RunReadOnly("load own sender key", func() error {
		rec, err := l.store.LoadSenderKey(name)
		if err != nil {
			return err
		}
		empty = rec.Empty()
		return nil
	}); err != nil {
		return err
	}
	if !empty {
		return l.fanOut(n, name, nil, 0)
	}

	l.goAsync(func() {
		if err := l.firstGroupSend(n, name); err != nil {
			l.log.Errorf("error sending %s to group %s: %v", n.Get("id"), group, err)
		}
	})
	return nil
}

func (l *Layer) firstGroupSend(n *node.Node, name senderkey.SenderKeyName) error {
	members, err := l.groupParticipants(name.GroupID)
	if err != nil {
		return err
	}
	var missing []string
	for _, m := range members {
		ok, err := l.containsSession(m)
		if err != nil {
			return err
		}
		if !ok {
			missing = append(missing, m)
		}
	}
	if len(missing) != 0 {
		res := <-l.fetchKeys(missing)
		if len(res.Failed) != 0 {
			l.log.Warnf("leaving %v out of %s, no session", res.Failed, name.GroupID)
		}
	}
	return l.fanOut(n, name, members, 0)
}

// fanOut sends a sender key distribution to each of members over its session and, unless this
// is a retry, the body encrypted once with our sender key. Members without a session are left out.
func (l *Layer) fanOut(n *node.Node, name senderkey.SenderKeyName, members []string, retryCount int) error {
	body, err := bodyOf(n)
	if err != nil {
		return err
	}
	group := l.ciphers.get(name)
	group.Lock()
	defer group.Unlock()
	entries, unlock := l.sessions.lockAll(members)
	defer unlock()

	var (
		broadcast *envelope
		targeted  []*envelope
		skipped   error
	)
	if err := l.store.Run("group fan out", func() error {
		dist, err := senderkey.NewGroupSessionBuilder(l.store).Create(name)
		if err != nil {
			return err
		}
		skdm := &payload.SenderKeyDistribution{GroupID: name.GroupID, Distribution: dist.Marshal()}
		for _, m := range members {
			ok, err := l.store.ContainsSession(m)
			if err != nil {
				return err
			}
			if !ok {
				skipped = multierr.Append(skipped, fmt.Errorf("%w: %s", ratchet.ErrNoSession, m))
				continue
			}
			msg := &payload.Message{SenderKeyDistribution: skdm}
			if retryCount > 0 {
				msg.Body = body
			}
			plaintext, err := encode(msg)
			if err != nil {
				return err
			}
			ct, err := entries[m].cipher.Encrypt(plaintext)
			if err != nil {
				return err
			}
			e := envelopeFor(ct)
			e.target = m
			e.mediaType = mediaType(body)
			targeted = append(targeted, e)
		}
		if retryCount > 0 {
			return nil
		}
		plaintext, err := encode(&payload.Message{Body: body})
		if err != nil {
			return err
		}
		ct, err := group.cipher.Encrypt(plaintext)
		if err != nil {
			return err
		}
		broadcast = &envelope{kind: kindSenderKey, version: envelopeVersion, ciphertext: ct, mediaType: mediaType(body)}
		return nil
	}); err != nil {
		return fmt.Errorf("encryption: error encrypting %s for %s: %w", n.Get("id"), name.GroupID, err)
	}
	if skipped != nil {
		l.log.Warnf("fan out of %s: %v", n.Get("id"), skipped)
	}
	if broadcast == nil && len(targeted) == 0 {
		return fmt.Errorf("encryption: nothing to send for %s", n.Get("id"))
	}

	out := wrap(n, broadcast, targeted)
	if retryCount > 0 {
		out.Set("count", strconv.Itoa(retryCount))
		l.metrics.resends.Inc()
	} else {
		l.sent.push(n)
	}
	for _, e := range targeted {
		l.metrics.encrypted.WithLabelValues(e.kind.String()).Inc()
	}
	if broadcast != nil {
		l.metrics.encrypted.WithLabelValues(broadcast.kind.String()).Inc()
	}
	return l.lower.Send(out)
}
