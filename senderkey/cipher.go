package senderkey

import (
	"crypto/ed25519"
	"fmt"

	"github.com/meow-io/go-e2e/crypto"
	"github.com/status-im/doubleratchet"
)

var kdf = doubleratchet.DefaultCrypto{}

// GroupCipher encrypts and decrypts on one sender's chain in one group. Calls for the same name
// must be serialized.
type GroupCipher struct {
	store Store
	name  SenderKeyName
}

func NewGroupCipher(store Store, name SenderKeyName) *GroupCipher {
	return &GroupCipher{store: store, name: name}
}

func (c *GroupCipher) Name() SenderKeyName {
	return c.name
}

func (c *GroupCipher) Encrypt(plaintext []byte) ([]byte, error) {
	rec, err := c.store.LoadSenderKey(c.name)
	if err != nil {
		return nil, err
	}
	if rec.Empty() || rec.States[0].SigningPrivate == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, c.name)
	}
	s := rec.States[0]
	next, mk := kdf.KdfCK(s.ChainKey)
	ciphertext, err := crypto.EncryptWithKey(mk, plaintext, nil)
	if err != nil {
		return nil, err
	}
	m := &Message{KeyID: s.KeyID, Iteration: s.Iteration, Ciphertext: ciphertext}
	out := m.signed(ed25519.PrivateKey(s.SigningPrivate))
	s.ChainKey = next
	s.Iteration++
	if err := c.store.StoreSenderKey(c.name, rec); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GroupCipher) Decrypt(b []byte) ([]byte, error) {
	m, body, sig, err := parseMessage(b)
	if err != nil {
		return nil, err
	}
	rec, err := c.store.LoadSenderKey(c.name)
	if err != nil {
		return nil, err
	}
	s := rec.state(m.KeyID)
	if s == nil {
		return nil, fmt.Errorf("%w: no state %d for %s", ErrNoSession, m.KeyID, c.name)
	}
	if !crypto.Verify(s.SigningPublic, body, sig) {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalidMessage)
	}
	mk, err := messageKey(s, m.Iteration)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.DecryptWithKey(mk, m.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := c.store.StoreSenderKey(c.name, rec); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// messageKey advances s to just past iteration, keeping keys for any iterations skipped over.
func messageKey(s *State, iteration uint32) ([]byte, error) {
	if iteration < s.Iteration {
		mk, ok := s.MessageKeys[iteration]
		if !ok {
			return nil, fmt.Errorf("%w: iteration %d", ErrDuplicateMessage, iteration)
		}
		delete(s.MessageKeys, iteration)
		return mk, nil
	}
	if iteration-s.Iteration > MaxSkip {
		return nil, fmt.Errorf("%w: iteration %d too far ahead of %d", ErrInvalidMessage, iteration, s.Iteration)
	}
	ck := doubleratchet.Key(s.ChainKey)
	var mk doubleratchet.Key
	for s.Iteration <= iteration {
		ck, mk = kdf.KdfCK(ck)
		if s.Iteration < iteration {
			s.putMessageKey(s.Iteration, mk)
		}
		s.Iteration++
	}
	s.ChainKey = ck
	return mk, nil
}
