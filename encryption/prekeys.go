package encryption

import (
	"fmt"
	"strconv"

	"github.com/meow-io/go-e2e/jid"
	"github.com/meow-io/go-e2e/node"
	"github.com/meow-io/go-e2e/ratchet"
)

const signedPreKeyID = 1

// keyUpload is a set of keys generated for upload. Nothing in it is stored until the server has
// accepted it.
type keyUpload struct {
	fresh          bool
	identity       *ratchet.IdentityKeyPair
	registrationID uint32
	signed         *ratchet.SignedPreKeyRecord
	newSigned      bool
	prekeys        []*ratchet.PreKeyRecord
}

func (u *keyUpload) node() *node.Node {
	keys := make([]*node.Node, 0, len(u.prekeys))
	for _, k := range u.prekeys {
		keys = append(keys, node.New("key", nil,
			node.NewData("id", nil, encodeKeyID(k.ID)),
			node.NewData("value", nil, k.Public),
		))
	}
	return node.New("iq", map[string]string{"xmlns": "encrypt", "type": "set", "to": jid.UserServer},
		node.NewData("identity", nil, u.identity.Public),
		node.NewData("registration", nil, encodeRegistration(u.registrationID)),
		node.NewData("type", nil, []byte{keyTypeDJB}),
		node.New("list", nil, keys...),
		node.New("skey", nil,
			node.NewData("id", nil, encodeKeyID(u.signed.ID)),
			node.NewData("value", nil, u.signed.Public),
			node.NewData("signature", nil, u.signed.Signature),
		),
	)
}

// SendKeys uploads our identity, signed prekey and a full pool of one-time prekeys. With fresh, or
// when no identity exists yet, a new identity and registration id are generated first.
func (l *Layer) SendKeys(fresh bool) error {
	return l.uploadKeys(fresh, l.config.PreKeyPoolSize)
}

func (l *Layer) uploadKeys(fresh bool, count int) error {
	l.uploadLock.Lock()
	defer l.uploadLock.Unlock()

	u, err := l.prepareUpload(fresh, count)
	if err != nil {
		return err
	}
	if _, err := l.request(u.node()); err != nil {
		return fmt.Errorf("encryption: error uploading keys: %w", err)
	}
	if err := l.store.Run("store uploaded keys", func() error {
		if u.fresh {
			if err := l.store.SaveLocalIdentity(u.identity, u.registrationID); err != nil {
				return err
			}
		}
		if u.newSigned {
			if err := l.store.StoreSignedPreKey(u.signed); err != nil {
				return err
			}
		}
		if len(u.prekeys) == 0 {
			return nil
		}
		if err := l.store.StorePreKeys(u.prekeys); err != nil {
			return err
		}
		return l.store.SetLastPreKeyID(u.prekeys[len(u.prekeys)-1].ID)
	}); err != nil {
		return err
	}
	l.log.Infof("uploaded %d prekeys", len(u.prekeys))
	return nil
}

func (l *Layer) prepareUpload(fresh bool, count int) (*keyUpload, error) {
	u := &keyUpload{}
	var after uint32
	if err := l.store.RunReadOnly("prepare key upload", func() error {
		has, err := l.store.HasLocalIdentity()
		if err != nil {
			return err
		}
		if fresh || !has {
			u.fresh = true
			return nil
		}
		if u.identity, err = l.store.IdentityKeyPair(); err != nil {
			return err
		}
		if u.registrationID, err = l.store.LocalRegistrationID(); err != nil {
			return err
		}
		if u.signed, err = l.store.CurrentSignedPreKey(); err != nil {
			return err
		}
		after, err = l.store.LastPreKeyID()
		return err
	}); err != nil {
		return nil, err
	}

	var err error
	if u.fresh {
		if u.identity, err = ratchet.NewIdentityKeyPair(); err != nil {
			return nil, err
		}
		u.registrationID = ratchet.NewRegistrationID()
		after = 0
	}
	if u.signed == nil {
		if u.signed, err = ratchet.GenerateSignedPreKey(u.identity, signedPreKeyID, l.clock.CurrentTimeMs()); err != nil {
			return nil, err
		}
		u.newSigned = true
	}
	if u.prekeys, err = ratchet.GeneratePreKeys(after, count); err != nil {
		return nil, err
	}
	return u, nil
}

// receiveEncryptNotification tops the server's prekey pool back up to its full size.
func (l *Layer) receiveEncryptNotification(n *node.Node) error {
	ack := node.New("ack", map[string]string{"class": "notification", "type": "encrypt", "id": n.Get("id"), "to": n.Get("from")})
	if err := l.lower.Send(ack); err != nil {
		return err
	}
	available, err := strconv.Atoi(n.Child("count").Get("value"))
	if err != nil {
		return fmt.Errorf("encryption: bad prekey count %q: %w", n.Child("count").Get("value"), err)
	}
	need := l.config.PreKeyPoolSize - available
	if need <= 0 {
		return nil
	}
	l.log.Infof("server has %d prekeys, uploading %d", available, need)
	l.goAsync(func() {
		if err := l.uploadKeys(false, need); err != nil {
			l.log.Errorf("error replenishing prekeys: %v", err)
		}
	})
	return nil
}
