package ratchet

import (
	"crypto/sha256"
	"fmt"

	"github.com/meow-io/go-e2e/crypto"
	"github.com/status-im/doubleratchet"
)

var x3dhInfo = []byte("WhisperText")

// SessionRecord is the per-peer pointer to the live double ratchet state. Pending is set on the
// side that built the session from a bundle and is cleared once the peer answers.
type SessionRecord struct {
	SessionID            []byte
	RemoteIdentity       IdentityKey
	RemoteRegistrationID uint32
	BaseKey              []byte
	Pending              *PendingPreKey
}

type PendingPreKey struct {
	PreKeyID       uint32
	HasPreKey      bool
	SignedPreKeyID uint32
}

func sessionID(peer string, baseKey []byte) []byte {
	h := sha256.New()
	h.Write([]byte(peer))
	h.Write(baseKey)
	return h.Sum(nil)
}

// SessionBuilder builds outgoing sessions from prekey bundles.
type SessionBuilder struct {
	store Store
	peer  string
}

func NewSessionBuilder(store Store, peer string) *SessionBuilder {
	return &SessionBuilder{store: store, peer: peer}
}

// ProcessBundle verifies bundle and replaces any session with peer by a fresh one. Messages
// encrypted afterwards carry the key exchange until the peer replies.
func (b *SessionBuilder) ProcessBundle(bundle *PreKeyBundle) error {
	if err := bundle.Verify(); err != nil {
		return err
	}
	trusted, err := b.store.IsTrustedIdentity(b.peer, bundle.IdentityKey)
	if err != nil {
		return err
	}
	if !trusted {
		return &UntrustedIdentityError{Peer: b.peer, Key: bundle.IdentityKey}
	}
	ours, err := b.store.IdentityKeyPair()
	if err != nil {
		return err
	}
	base, err := crypto.NewKeyPair()
	if err != nil {
		return err
	}

	parts := [][2][]byte{
		{ours.DHPrivate, bundle.SignedPreKeyPublic},
		{base.Private[:], bundle.IdentityKey.DHKey()},
		{base.Private[:], bundle.SignedPreKeyPublic},
	}
	if bundle.PreKeyPublic != nil {
		parts = append(parts, [2][]byte{base.Private[:], bundle.PreKeyPublic})
	}
	secret, err := agree(parts)
	if err != nil {
		return err
	}

	id := sessionID(b.peer, base.Public[:])
	if _, err := doubleratchet.NewWithRemoteKey(id, secret, bundle.SignedPreKeyPublic, b.store, doubleratchet.WithCrypto(DoubleRatchetCrypto()), doubleratchet.WithKeysStorage(b.store.KeysStorage(id))); err != nil {
		return fmt.Errorf("ratchet: error initializing doubleratchet: %w", err)
	}
	rec := &SessionRecord{
		SessionID:            id,
		RemoteIdentity:       bundle.IdentityKey,
		RemoteRegistrationID: bundle.RegistrationID,
		BaseKey:              base.Public[:],
		Pending: &PendingPreKey{
			PreKeyID:       bundle.PreKeyID,
			HasPreKey:      bundle.PreKeyPublic != nil,
			SignedPreKeyID: bundle.SignedPreKeyID,
		},
	}
	if err := b.store.StoreSession(b.peer, rec); err != nil {
		return err
	}
	return b.store.SaveIdentity(b.peer, bundle.IdentityKey)
}

// processPreKeyMessage builds the receiving side of a session from m, returning the new record.
func (b *SessionBuilder) processPreKeyMessage(m *PreKeyWhisperMessage) (*SessionRecord, error) {
	signed, err := b.store.LoadSignedPreKey(m.SignedPreKeyID)
	if err != nil {
		return nil, err
	}
	if signed == nil {
		return nil, fmt.Errorf("%w: signed prekey %d", ErrInvalidKeyID, m.SignedPreKeyID)
	}
	var oneTime *PreKeyRecord
	if m.HasPreKey {
		if oneTime, err = b.store.LoadPreKey(m.PreKeyID); err != nil {
			return nil, err
		}
		if oneTime == nil {
			return nil, fmt.Errorf("%w: prekey %d", ErrInvalidKeyID, m.PreKeyID)
		}
	}
	ours, err := b.store.IdentityKeyPair()
	if err != nil {
		return nil, err
	}

	parts := [][2][]byte{
		{signed.Private, m.IdentityKey.DHKey()},
		{ours.DHPrivate, m.BaseKey},
		{signed.Private, m.BaseKey},
	}
	if oneTime != nil {
		parts = append(parts, [2][]byte{oneTime.Private, m.BaseKey})
	}
	secret, err := agree(parts)
	if err != nil {
		return nil, err
	}

	id := sessionID(b.peer, m.BaseKey)
	if _, err := doubleratchet.New(id, secret, NewDHPair(signed.Private, signed.Public), b.store, doubleratchet.WithCrypto(DoubleRatchetCrypto()), doubleratchet.WithKeysStorage(b.store.KeysStorage(id))); err != nil {
		return nil, fmt.Errorf("ratchet: error initializing doubleratchet: %w", err)
	}
	return &SessionRecord{
		SessionID:            id,
		RemoteIdentity:       m.IdentityKey,
		RemoteRegistrationID: m.RegistrationID,
		BaseKey:              m.BaseKey,
	}, nil
}

func agree(parts [][2][]byte) ([]byte, error) {
	material := make([]byte, 0, len(parts)*crypto.KeySize)
	for _, p := range parts {
		out, err := crypto.DH(p[0], p[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		material = append(material, out...)
	}
	return crypto.DeriveSecrets(material, nil, x3dhInfo, crypto.KeySize)
}
