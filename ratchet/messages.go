package ratchet

import (
	"fmt"

	"github.com/meow-io/go-e2e/internal/wire"
)

const (
	// CurrentVersion is packed into both nibbles of the first byte of every serialized message.
	CurrentVersion = 2

	WhisperType = 2
	PreKeyType  = 3
)

// CiphertextMessage is the output of SessionCipher.Encrypt. Type tells whether the peer needs the
// embedded key exchange to build its side of the session.
type CiphertextMessage struct {
	Type       int
	Serialized []byte
}

type WhisperMessage struct {
	RatchetKey      []byte
	Counter         uint32
	PreviousCounter uint32
	Ciphertext      []byte
}

type PreKeyWhisperMessage struct {
	RegistrationID uint32
	PreKeyID       uint32
	HasPreKey      bool
	SignedPreKeyID uint32
	BaseKey        []byte
	IdentityKey    IdentityKey
	Message        []byte
}

func versionByte() byte {
	return CurrentVersion<<4 | CurrentVersion
}

func checkVersion(b []byte) ([]byte, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidMessage)
	}
	if v := b[0] >> 4; v != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	return b[1:], nil
}

func (m *WhisperMessage) Marshal() []byte {
	b := []byte{versionByte()}
	b = wire.AppendBytes(b, 1, m.RatchetKey)
	b = wire.AppendVarint(b, 2, uint64(m.Counter))
	b = wire.AppendVarint(b, 3, uint64(m.PreviousCounter))
	b = wire.AppendBytes(b, 4, m.Ciphertext)
	return b
}

func ParseWhisperMessage(b []byte) (*WhisperMessage, error) {
	body, err := checkVersion(b)
	if err != nil {
		return nil, err
	}
	m := &WhisperMessage{}
	if err := wire.Walk(body, func(f wire.Field) error {
		switch f.Num {
		case 1:
			m.RatchetKey = wire.Clone(f.Bytes)
		case 2:
			m.Counter = uint32(f.Varint)
		case 3:
			m.PreviousCounter = uint32(f.Varint)
		case 4:
			m.Ciphertext = wire.Clone(f.Bytes)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if len(m.RatchetKey) == 0 || m.Ciphertext == nil {
		return nil, fmt.Errorf("%w: incomplete whisper message", ErrInvalidMessage)
	}
	return m, nil
}

func (m *PreKeyWhisperMessage) Marshal() []byte {
	b := []byte{versionByte()}
	if m.HasPreKey {
		b = wire.AppendVarint(b, 1, uint64(m.PreKeyID))
	}
	b = wire.AppendBytes(b, 2, m.BaseKey)
	b = wire.AppendBytes(b, 3, m.IdentityKey)
	b = wire.AppendBytes(b, 4, m.Message)
	b = wire.AppendVarint(b, 5, uint64(m.RegistrationID))
	b = wire.AppendVarint(b, 6, uint64(m.SignedPreKeyID))
	return b
}

func ParsePreKeyWhisperMessage(b []byte) (*PreKeyWhisperMessage, error) {
	body, err := checkVersion(b)
	if err != nil {
		return nil, err
	}
	m := &PreKeyWhisperMessage{}
	if err := wire.Walk(body, func(f wire.Field) error {
		switch f.Num {
		case 1:
			m.PreKeyID = uint32(f.Varint)
			m.HasPreKey = true
		case 2:
			m.BaseKey = wire.Clone(f.Bytes)
		case 3:
			m.IdentityKey = IdentityKey(wire.Clone(f.Bytes))
		case 4:
			m.Message = wire.Clone(f.Bytes)
		case 5:
			m.RegistrationID = uint32(f.Varint)
		case 6:
			m.SignedPreKeyID = uint32(f.Varint)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if len(m.BaseKey) == 0 || len(m.Message) == 0 {
		return nil, fmt.Errorf("%w: incomplete prekey message", ErrInvalidMessage)
	}
	if err := m.IdentityKey.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m, nil
}
