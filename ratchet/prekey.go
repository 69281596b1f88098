package ratchet

import (
	"fmt"

	"github.com/meow-io/go-e2e/crypto"
)

// Prekey ids are 24 bit on the wire.
const MaxPreKeyID = 0xFFFFFF

type PreKeyRecord struct {
	ID      uint32 `db:"id"`
	Public  []byte `db:"public_key"`
	Private []byte `db:"private_key"`
}

type SignedPreKeyRecord struct {
	ID        uint32 `db:"id"`
	Public    []byte `db:"public_key"`
	Private   []byte `db:"private_key"`
	Signature []byte `db:"signature"`
	CtimeMs   uint64 `db:"ctime_ms"`
}

// PreKeyBundle is what the server hands out for a peer. PreKeyPublic is nil when the peer has run
// out of one-time prekeys.
type PreKeyBundle struct {
	RegistrationID        uint32
	PreKeyID              uint32
	PreKeyPublic          []byte
	SignedPreKeyID        uint32
	SignedPreKeyPublic    []byte
	SignedPreKeySignature []byte
	IdentityKey           IdentityKey
}

// NextPreKeyID wraps inside [1, MaxPreKeyID].
func NextPreKeyID(id uint32) uint32 {
	return id%MaxPreKeyID + 1
}

// GeneratePreKeys makes count prekeys with consecutive ids following after.
func GeneratePreKeys(after uint32, count int) ([]*PreKeyRecord, error) {
	keys := make([]*PreKeyRecord, 0, count)
	id := after
	for i := 0; i < count; i++ {
		id = NextPreKeyID(id)
		kp, err := crypto.NewKeyPair()
		if err != nil {
			return nil, fmt.Errorf("ratchet: error generating prekey: %w", err)
		}
		keys = append(keys, &PreKeyRecord{ID: id, Public: kp.Public[:], Private: kp.Private[:]})
	}
	return keys, nil
}

func GenerateSignedPreKey(identity *IdentityKeyPair, id uint32, ctimeMs uint64) (*SignedPreKeyRecord, error) {
	kp, err := crypto.NewKeyPair()
	if err != nil {
		return nil, fmt.Errorf("ratchet: error generating signed prekey: %w", err)
	}
	return &SignedPreKeyRecord{
		ID:        id,
		Public:    kp.Public[:],
		Private:   kp.Private[:],
		Signature: crypto.Sign(identity.SigningPrivate, kp.Public[:]),
		CtimeMs:   ctimeMs,
	}, nil
}

func (b *PreKeyBundle) Verify() error {
	if err := b.IdentityKey.Validate(); err != nil {
		return err
	}
	if len(b.SignedPreKeyPublic) != crypto.KeySize {
		return fmt.Errorf("%w: signed prekey is %d bytes", ErrInvalidMessage, len(b.SignedPreKeyPublic))
	}
	if b.PreKeyPublic != nil && len(b.PreKeyPublic) != crypto.KeySize {
		return fmt.Errorf("%w: prekey is %d bytes", ErrInvalidMessage, len(b.PreKeyPublic))
	}
	if !crypto.Verify(b.IdentityKey.SigningKey(), b.SignedPreKeyPublic, b.SignedPreKeySignature) {
		return ErrInvalidSignature
	}
	return nil
}
