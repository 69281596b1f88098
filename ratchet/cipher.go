package ratchet

import (
	"bytes"
	"fmt"

	"github.com/status-im/doubleratchet"
)

// SessionCipher encrypts for and decrypts from a single peer. Every call advances persisted ratchet
// state, so calls for one peer must never run concurrently or out of order.
type SessionCipher struct {
	store   Store
	peer    string
	builder *SessionBuilder
}

func NewSessionCipher(store Store, peer string) *SessionCipher {
	return &SessionCipher{store: store, peer: peer, builder: NewSessionBuilder(store, peer)}
}

func (c *SessionCipher) Peer() string {
	return c.peer
}

// Encrypt returns a PreKeyType message while the peer has not yet answered on this session and a
// WhisperType message afterwards.
func (c *SessionCipher) Encrypt(plaintext []byte) (*CiphertextMessage, error) {
	rec, err := c.store.LoadSession(c.peer)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, c.peer)
	}
	ours, err := c.store.IdentityKeyPair()
	if err != nil {
		return nil, err
	}
	session, err := load(c.store, rec.SessionID)
	if err != nil {
		return nil, fmt.Errorf("ratchet: error loading session for %s: %w", c.peer, err)
	}
	msg, err := session.RatchetEncrypt(plaintext, associatedData(ours.Public, rec.RemoteIdentity))
	if err != nil {
		return nil, fmt.Errorf("ratchet: error encrypting for %s: %w", c.peer, err)
	}
	whisper := (&WhisperMessage{
		RatchetKey:      msg.Header.DH,
		Counter:         msg.Header.N,
		PreviousCounter: msg.Header.PN,
		Ciphertext:      msg.Ciphertext,
	}).Marshal()

	if rec.Pending == nil {
		return &CiphertextMessage{Type: WhisperType, Serialized: whisper}, nil
	}
	regID, err := c.store.LocalRegistrationID()
	if err != nil {
		return nil, err
	}
	prekey := &PreKeyWhisperMessage{
		RegistrationID: regID,
		PreKeyID:       rec.Pending.PreKeyID,
		HasPreKey:      rec.Pending.HasPreKey,
		SignedPreKeyID: rec.Pending.SignedPreKeyID,
		BaseKey:        rec.BaseKey,
		IdentityKey:    ours.Public,
		Message:        whisper,
	}
	return &CiphertextMessage{Type: PreKeyType, Serialized: prekey.Marshal()}, nil
}

// DecryptPreKeyMessage builds the session described by the message if it is new, then decrypts.
func (c *SessionCipher) DecryptPreKeyMessage(b []byte) ([]byte, error) {
	m, err := ParsePreKeyWhisperMessage(b)
	if err != nil {
		return nil, err
	}
	trusted, err := c.store.IsTrustedIdentity(c.peer, m.IdentityKey)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, &UntrustedIdentityError{Peer: c.peer, Key: m.IdentityKey}
	}
	inner, err := ParseWhisperMessage(m.Message)
	if err != nil {
		return nil, err
	}

	rec, err := c.store.LoadSession(c.peer)
	if err != nil {
		return nil, err
	}
	if rec != nil && bytes.Equal(rec.BaseKey, m.BaseKey) {
		return c.decrypt(rec, inner)
	}

	rec, err = c.builder.processPreKeyMessage(m)
	if err != nil {
		return nil, err
	}
	plaintext, err := c.decrypt(rec, inner)
	if err != nil {
		return nil, err
	}
	if m.HasPreKey {
		if err := c.store.RemovePreKey(m.PreKeyID); err != nil {
			return nil, err
		}
	}
	if err := c.store.SaveIdentity(c.peer, m.IdentityKey); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (c *SessionCipher) DecryptMessage(b []byte) ([]byte, error) {
	m, err := ParseWhisperMessage(b)
	if err != nil {
		return nil, err
	}
	rec, err := c.store.LoadSession(c.peer)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, c.peer)
	}
	return c.decrypt(rec, m)
}

// decrypt stores rec on success, clearing any pending key exchange since the peer has answered.
func (c *SessionCipher) decrypt(rec *SessionRecord, m *WhisperMessage) ([]byte, error) {
	ours, err := c.store.IdentityKeyPair()
	if err != nil {
		return nil, err
	}
	if err := c.checkDuplicate(rec, m); err != nil {
		return nil, err
	}
	session, err := load(c.store, rec.SessionID)
	if err != nil {
		return nil, fmt.Errorf("ratchet: error loading session for %s: %w", c.peer, err)
	}
	plaintext, err := session.RatchetDecrypt(doubleratchet.Message{
		Header: doubleratchet.MessageHeader{
			DH: m.RatchetKey,
			N:  m.Counter,
			PN: m.PreviousCounter,
		},
		Ciphertext: m.Ciphertext,
	}, associatedData(rec.RemoteIdentity, ours.Public))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	// the used key stays in the skipped keys until confirmed
	if err := session.DeleteMk(m.RatchetKey, m.Counter); err != nil {
		return nil, fmt.Errorf("ratchet: error confirming message key for %s: %w", c.peer, err)
	}
	rec.Pending = nil
	if err := c.store.StoreSession(c.peer, rec); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// checkDuplicate reports messages on the current receiving chain whose key was already used.
func (c *SessionCipher) checkDuplicate(rec *SessionRecord, m *WhisperMessage) error {
	state, err := c.store.Load(rec.SessionID)
	if err != nil {
		return fmt.Errorf("ratchet: error loading state for %s: %w", c.peer, err)
	}
	if !bytes.Equal(state.DHr, m.RatchetKey) || m.Counter >= state.RecvCh.N {
		return nil
	}
	_, ok, err := c.store.KeysStorage(rec.SessionID).Get(m.RatchetKey, uint(m.Counter))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: counter %d from %s", ErrDuplicateMessage, m.Counter, c.peer)
	}
	return nil
}

func associatedData(sender, receiver IdentityKey) []byte {
	ad := make([]byte, 0, len(sender)+len(receiver))
	ad = append(ad, sender...)
	return append(ad, receiver...)
}
