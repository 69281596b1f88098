package encryption

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/meow-io/go-e2e/jid"
	"github.com/meow-io/go-e2e/node"
	"github.com/meow-io/go-e2e/ratchet"
	"go.uber.org/multierr"
	"golang.org/x/exp/slices"
)

const keyTypeDJB = 5

// keyResult partitions the peers of one key exchange by whether a session now exists for them.
type keyResult struct {
	Succeeded []string
	Failed    []string
	Err       error
}

func (r *keyResult) succeeded(peer string) bool {
	return slices.Contains(r.Succeeded, peer)
}

// fetchKeys requests prekey bundles for peers and installs a session for every usable one. The
// result is delivered on the returned channel once the round trip completes.
func (l *Layer) fetchKeys(peers []string) <-chan *keyResult {
	ch := make(chan *keyResult, 1)
	l.goAsync(func() {
		res := l.requestKeys(peers)
		l.metrics.keyFetches.WithLabelValues("succeeded").Add(float64(len(res.Succeeded)))
		l.metrics.keyFetches.WithLabelValues("failed").Add(float64(len(res.Failed)))
		if res.Err != nil {
			l.log.Warnf("key exchange for %v: %v", res.Failed, res.Err)
		}
		ch <- res
	})
	return ch
}

func (l *Layer) requestKeys(peers []string) *keyResult {
	res := &keyResult{}
	users := make([]*node.Node, 0, len(peers))
	for _, p := range peers {
		users = append(users, node.New("user", map[string]string{"jid": jid.Normalize(p)}))
	}
	iq := node.New("iq", map[string]string{"xmlns": "encrypt", "type": "get", "to": jid.UserServer}, node.New("key", nil, users...))
	resp, err := l.request(iq)
	if err != nil {
		res.Failed = slices.Clone(peers)
		res.Err = err
		return res
	}

	bundles, err := parseBundles(resp)
	res.Err = err
	for _, p := range peers {
		b, ok := bundles[p]
		if !ok {
			res.Failed = append(res.Failed, p)
			continue
		}
		if err := l.installBundle(p, b); err != nil {
			res.Err = multierr.Append(res.Err, err)
			res.Failed = append(res.Failed, p)
			continue
		}
		res.Succeeded = append(res.Succeeded, p)
	}
	return res
}

// installBundle replaces the session with peer by one built from b. A changed identity is trusted
// when autotrust is on.
func (l *Layer) installBundle(peer string, b *ratchet.PreKeyBundle) error {
	entry := l.sessions.get(peer)
	entry.Lock()
	defer entry.Unlock()
	return l.store.Run("install prekey bundle", func() error {
		builder := ratchet.NewSessionBuilder(l.store, peer)
		err := builder.ProcessBundle(b)
		var untrusted *ratchet.UntrustedIdentityError
		if !errors.As(err, &untrusted) {
			return err
		}
		if !l.config.AutoTrustIdentity {
			return err
		}
		l.log.Infof("trusting new identity for %s", peer)
		if err := l.store.SaveIdentity(peer, untrusted.Key); err != nil {
			return err
		}
		return builder.ProcessBundle(b)
	})
}

// parseBundles reads a key fetch result. Users answered with an error are left out.
func parseBundles(resp *node.Node) (map[string]*ratchet.PreKeyBundle, error) {
	list := resp.Child("list")
	if list == nil {
		return nil, errors.New("encryption: key result has no list")
	}
	bundles := map[string]*ratchet.PreKeyBundle{}
	var errs error
	for _, u := range list.ChildrenByTag("user") {
		peer := jid.Denormalize(u.Get("jid"))
		if u.Child("error") != nil {
			continue
		}
		b, err := parseBundle(u)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("encryption: bad bundle for %s: %w", peer, err))
			continue
		}
		bundles[peer] = b
	}
	return bundles, errs
}

func parseBundle(u *node.Node) (*ratchet.PreKeyBundle, error) {
	reg := u.Child("registration")
	identity := u.Child("identity")
	skey := u.Child("skey")
	if reg == nil || identity == nil || skey == nil {
		return nil, errors.New("missing registration, identity or signed key")
	}
	if len(reg.Data) != 4 {
		return nil, fmt.Errorf("registration is %d bytes", len(reg.Data))
	}
	b := &ratchet.PreKeyBundle{
		RegistrationID: binary.BigEndian.Uint32(reg.Data),
		IdentityKey:    identity.Data,
	}
	id, value, err := parseKey(skey)
	if err != nil {
		return nil, err
	}
	sig := skey.Child("signature")
	if sig == nil {
		return nil, errors.New("signed key has no signature")
	}
	b.SignedPreKeyID, b.SignedPreKeyPublic, b.SignedPreKeySignature = id, value, sig.Data
	if k := u.Child("key"); k != nil {
		if b.PreKeyID, b.PreKeyPublic, err = parseKey(k); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func parseKey(k *node.Node) (uint32, []byte, error) {
	id, value := k.Child("id"), k.Child("value")
	if id == nil || value == nil {
		return 0, nil, fmt.Errorf("%s has no id or value", k.Tag)
	}
	if len(id.Data) != 3 {
		return 0, nil, fmt.Errorf("%s id is %d bytes", k.Tag, len(id.Data))
	}
	return decodeKeyID(id.Data), value.Data, nil
}

func encodeKeyID(id uint32) []byte {
	return []byte{byte(id >> 16), byte(id >> 8), byte(id)}
}

func decodeKeyID(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func encodeRegistration(id uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, id)
}
