package encryption

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-e2e/jid"
	"github.com/meow-io/go-e2e/node"
	"github.com/meow-io/go-e2e/payload"
	"github.com/meow-io/go-e2e/ratchet"
	"github.com/meow-io/go-e2e/senderkey"
	"go.uber.org/multierr"
)

// Untrusted identities are re-attempted at most this many times per envelope.
const maxTrustDepth = 1

type resultKind int

const (
	resultOK resultKind = iota
	resultNoSession
	resultInvalid
	resultDuplicate
	resultUntrusted
	resultMalformed
	resultFailed
)

var resultNames = map[resultKind]string{
	resultOK:        "ok",
	resultNoSession: "no_session",
	resultInvalid:   "invalid",
	resultDuplicate: "duplicate",
	resultUntrusted: "untrusted",
	resultMalformed: "malformed",
	resultFailed:    "failed",
}

func (k resultKind) String() string {
	return resultNames[k]
}

// decryptResult is the outcome of one decrypt attempt. plaintext is unpadded and only set for
// resultOK, identity only for resultUntrusted.
type decryptResult struct {
	kind      resultKind
	plaintext []byte
	identity  ratchet.IdentityKey
	err       error
}

func classify(plaintext []byte, err error) decryptResult {
	if err == nil {
		unpadded, err := unpad(plaintext)
		if err != nil {
			return decryptResult{kind: resultMalformed, err: err}
		}
		return decryptResult{kind: resultOK, plaintext: unpadded}
	}
	var untrusted *ratchet.UntrustedIdentityError
	switch {
	case errors.As(err, &untrusted):
		return decryptResult{kind: resultUntrusted, identity: untrusted.Key, err: err}
	case errors.Is(err, ratchet.ErrDuplicateMessage), errors.Is(err, senderkey.ErrDuplicateMessage):
		return decryptResult{kind: resultDuplicate, err: err}
	case errors.Is(err, ratchet.ErrNoSession), errors.Is(err, senderkey.ErrNoSession):
		return decryptResult{kind: resultNoSession, err: err}
	case errors.Is(err, ratchet.ErrUnsupportedVersion):
		return decryptResult{kind: resultMalformed, err: err}
	case errors.Is(err, ratchet.ErrInvalidMessage), errors.Is(err, ratchet.ErrInvalidKeyID),
		errors.Is(err, ratchet.ErrInvalidSignature), errors.Is(err, senderkey.ErrInvalidMessage):
		return decryptResult{kind: resultInvalid, err: err}
	default:
		return decryptResult{kind: resultFailed, err: err}
	}
}

// inbound is a received message node with its addressing resolved to bare ids. For group
// messages author is the participant, otherwise the sender.
type inbound struct {
	node        *node.Node
	from        string
	participant string
	group       string
	author      string
	replay      bool
}

func newInbound(n *node.Node, replay bool) *inbound {
	in := &inbound{
		node:        n,
		from:        jid.Denormalize(n.Get("from")),
		participant: jid.Denormalize(n.Get("participant")),
		replay:      replay,
	}
	in.author = in.from
	if jid.IsGroup(n.Get("from")) {
		in.group = in.from
		in.author = in.participant
	}
	return in
}

func (in *inbound) key() pendingKey {
	return pendingKey{from: in.from, participant: in.participant}
}

// withEnvelope copies the message with e as its only envelope.
func (in *inbound) withEnvelope(e *envelope) *node.Node {
	out := in.node.Clone()
	out.RemoveChildren("enc")
	out.AddChild(e.node())
	return out
}

// plaintextNode is the message handed upward for body.
func (in *inbound) plaintextNode(body *payload.Body) *node.Node {
	out := node.New(in.node.Tag, nil)
	for k, v := range in.node.Attrs {
		out.Set(k, v)
	}
	out.AddChild(node.NewData("body", map[string]string{"type": body.Type}, body.Data))
	return out
}

func (l *Layer) receiveMessage(n *node.Node, replay bool) error {
	in := newInbound(n, replay)
	if in.author == "" {
		return fmt.Errorf("encryption: message %s has no author", n.Get("id"))
	}
	direct, group, err := envelopes(n)
	if err != nil {
		l.metrics.decryptFailures.WithLabelValues(resultMalformed.String()).Inc()
		return fmt.Errorf("encryption: error reading envelopes of %s: %w", n.Get("id"), err)
	}
	var errs error
	if direct != nil {
		kind, err := l.receiveDirect(in, direct, 0)
		errs = multierr.Append(errs, err)
		if kind == resultDuplicate {
			// the whole message was already handled and answered with one receipt
			return errs
		}
	}
	if group != nil && !replay {
		errs = multierr.Append(errs, l.receiveGroup(in, group))
	}
	return errs
}

func (l *Layer) receiveDirect(in *inbound, e *envelope, depth int) (resultKind, error) {
	id := in.node.Get("id")
	if e.version != envelopeVersion {
		l.metrics.decryptFailures.WithLabelValues(resultMalformed.String()).Inc()
		l.log.Errorf("dropping %s %s from %s, unsupported version %d", e.kind, id, in.author, e.version)
		return resultMalformed, nil
	}
	if !in.replay {
		if buffered, start := l.pending.appendIfPresent(in.key(), in.withEnvelope(e)); buffered {
			l.log.Debugf("queued %s behind pending messages from %s", id, in.author)
			if start {
				l.exchange(in.key())
			}
			return resultNoSession, nil
		}
	}

	res := l.decryptDirect(in.author, e)
	switch res.kind {
	case resultOK:
		l.metrics.decrypted.WithLabelValues(e.kind.String()).Inc()
		return res.kind, l.deliver(in, res.plaintext)
	case resultNoSession:
		l.metrics.decryptFailures.WithLabelValues(res.kind.String()).Inc()
		if in.replay {
			l.log.Warnf("dropping replayed %s from %s, still no session", id, in.author)
			return res.kind, nil
		}
		l.log.Infof("no session for %s from %s, fetching keys", id, in.author)
		if l.pending.add(in.key(), in.withEnvelope(e)) {
			l.exchange(in.key())
		}
		return res.kind, nil
	case resultInvalid:
		l.metrics.decryptFailures.WithLabelValues(res.kind.String()).Inc()
		return res.kind, l.retryOrGiveUp(in, res.err)
	case resultDuplicate:
		return res.kind, l.duplicate(in)
	case resultUntrusted:
		l.metrics.decryptFailures.WithLabelValues(res.kind.String()).Inc()
		if !l.config.AutoTrustIdentity || depth >= maxTrustDepth {
			l.log.Errorf("dropping %s from %s: %v", id, in.author, res.err)
			return res.kind, nil
		}
		l.log.Infof("trusting new identity for %s", in.author)
		if err := l.store.Run("trust identity", func() error {
			return l.store.SaveIdentity(in.author, res.identity)
		}); err != nil {
			return res.kind, err
		}
		return l.receiveDirect(in, e, depth+1)
	case resultMalformed:
		l.metrics.decryptFailures.WithLabelValues(res.kind.String()).Inc()
		l.log.Warnf("dropping %s from %s: %v", id, in.author, res.err)
		return res.kind, nil
	case resultFailed:
		l.metrics.decryptFailures.WithLabelValues(res.kind.String()).Inc()
		return res.kind, fmt.Errorf("encryption: error decrypting %s from %s: %w", id, in.author, res.err)
	}
	panic(fmt.Sprintf("encryption: unhandled decrypt result %d", res.kind))
}

func (l *Layer) decryptDirect(peer string, e *envelope) decryptResult {
	entry := l.sessions.get(peer)
	entry.Lock()
	defer entry.Unlock()
	var plaintext []byte
	err := l.store.Run("decrypt "+e.kind.String(), func() (err error) {
		if e.kind == kindPreKey {
			plaintext, err = entry.cipher.DecryptPreKeyMessage(e.ciphertext)
		} else {
			plaintext, err = entry.cipher.DecryptMessage(e.ciphertext)
		}
		return
	})
	return classify(plaintext, err)
}

func (l *Layer) receiveGroup(in *inbound, e *envelope) error {
	id := in.node.Get("id")
	if in.group == "" || e.version != envelopeVersion {
		l.metrics.decryptFailures.WithLabelValues(resultMalformed.String()).Inc()
		l.log.Errorf("dropping sender key envelope of %s from %s", id, in.author)
		return nil
	}
	name := senderkey.SenderKeyName{GroupID: in.group, Sender: in.author}
	entry := l.ciphers.get(name)
	entry.Lock()
	var plaintext []byte
	err := l.store.Run("decrypt skmsg", func() (err error) {
		plaintext, err = entry.cipher.Decrypt(e.ciphertext)
		return
	})
	entry.Unlock()

	res := classify(plaintext, err)
	switch res.kind {
	case resultOK:
		l.metrics.decrypted.WithLabelValues(e.kind.String()).Inc()
		return l.deliver(in, res.plaintext)
	case resultNoSession, resultInvalid:
		l.metrics.decryptFailures.WithLabelValues(res.kind.String()).Inc()
		return l.retryOrGiveUp(in, res.err)
	case resultDuplicate:
		return l.duplicate(in)
	case resultUntrusted, resultMalformed:
		l.metrics.decryptFailures.WithLabelValues(res.kind.String()).Inc()
		l.log.Warnf("dropping %s from %s in %s: %v", id, in.author, in.group, res.err)
		return nil
	case resultFailed:
		l.metrics.decryptFailures.WithLabelValues(res.kind.String()).Inc()
		return fmt.Errorf("encryption: error decrypting %s from %s in %s: %w", id, in.author, in.group, res.err)
	}
	panic(fmt.Sprintf("encryption: unhandled decrypt result %d", res.kind))
}

// deliver installs any sender key distribution in plaintext and then passes the body up.
func (l *Layer) deliver(in *inbound, plaintext []byte) error {
	m, err := payload.Unmarshal(plaintext)
	if err != nil {
		return fmt.Errorf("encryption: error reading %s from %s: %w", in.node.Get("id"), in.author, err)
	}
	if d := m.SenderKeyDistribution; d != nil {
		if err := l.processDistribution(in.author, d); err != nil {
			return err
		}
	}
	if m.Body == nil {
		return nil
	}
	return l.upper.Receive(in.plaintextNode(m.Body))
}

func (l *Layer) processDistribution(sender string, d *payload.SenderKeyDistribution) error {
	dist, err := senderkey.ParseDistributionMessage(d.Distribution)
	if err != nil {
		return fmt.Errorf("encryption: bad sender key distribution from %s: %w", sender, err)
	}
	name := senderkey.SenderKeyName{GroupID: d.GroupID, Sender: sender}
	entry := l.ciphers.get(name)
	entry.Lock()
	defer entry.Unlock()
	return l.store.Run("process sender key distribution", func() error {
		return senderkey.NewGroupSessionBuilder(l.store).Process(name, dist)
	})
}

// exchange fetches keys for the author of key and replays what is buffered once a session exists.
func (l *Layer) exchange(key pendingKey) {
	peer := key.author()
	keys := l.fetchKeys([]string{peer})
	l.goAsync(func() {
		res := <-keys
		if !res.succeeded(peer) {
			l.log.Warnf("key exchange with %s failed, keeping %d messages", peer, l.pending.len(key))
			l.pending.failed(key)
			return
		}
		l.drain(key)
	})
}

func (l *Layer) drain(key pendingKey) {
	for {
		n, ok := l.pending.peek(key)
		if !ok {
			return
		}
		if err := l.receiveMessage(n, true); err != nil {
			l.log.Errorf("error replaying %s from %s: %v", n.Get("id"), key.author(), err)
		}
		l.pending.pop(key, n)
	}
}
