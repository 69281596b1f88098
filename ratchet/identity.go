package ratchet

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/meow-io/go-e2e/crypto"
)

const IdentityKeySize = crypto.KeySize + ed25519.PublicKeySize

// IdentityKey is the public identity of a peer: its X25519 key followed by its Ed25519 key.
type IdentityKey []byte

func (k IdentityKey) DHKey() []byte {
	return k[:crypto.KeySize]
}

func (k IdentityKey) SigningKey() []byte {
	return k[crypto.KeySize:]
}

func (k IdentityKey) Equal(o IdentityKey) bool {
	return bytes.Equal(k, o)
}

func (k IdentityKey) Validate() error {
	if len(k) != IdentityKeySize {
		return fmt.Errorf("ratchet: identity key must be %d bytes, got %d", IdentityKeySize, len(k))
	}
	return nil
}

type IdentityKeyPair struct {
	DHPrivate      []byte
	SigningPrivate ed25519.PrivateKey
	Public         IdentityKey
}

func NewIdentityKeyPair() (*IdentityKeyPair, error) {
	dh, err := crypto.NewKeyPair()
	if err != nil {
		return nil, err
	}
	spub, spriv, err := crypto.NewSigningKey()
	if err != nil {
		return nil, err
	}
	public := make(IdentityKey, 0, IdentityKeySize)
	public = append(public, dh.Public[:]...)
	public = append(public, spub...)
	return &IdentityKeyPair{DHPrivate: dh.Private[:], SigningPrivate: spriv, Public: public}, nil
}

// NewRegistrationID returns a random id in [1, 16380].
func NewRegistrationID() uint32 {
	return crypto.RandomUint32()%16380 + 1
}
