package senderkey

import (
	"crypto/ed25519"
	"fmt"

	"github.com/meow-io/go-e2e/internal/wire"
)

const currentVersion = 2

func versionByte() byte {
	return currentVersion<<4 | currentVersion
}

// DistributionMessage hands a sender's chain to one member.
type DistributionMessage struct {
	KeyID      uint32
	Iteration  uint32
	ChainKey   []byte
	SigningKey []byte
}

func (m *DistributionMessage) Marshal() []byte {
	b := []byte{versionByte()}
	b = wire.AppendVarint(b, 1, uint64(m.KeyID))
	b = wire.AppendVarint(b, 2, uint64(m.Iteration))
	b = wire.AppendBytes(b, 3, m.ChainKey)
	b = wire.AppendBytes(b, 4, m.SigningKey)
	return b
}

func ParseDistributionMessage(b []byte) (*DistributionMessage, error) {
	if len(b) < 1 || b[0]>>4 != currentVersion {
		return nil, fmt.Errorf("%w: bad distribution version", ErrInvalidMessage)
	}
	m := &DistributionMessage{}
	if err := wire.Walk(b[1:], func(f wire.Field) error {
		switch f.Num {
		case 1:
			m.KeyID = uint32(f.Varint)
		case 2:
			m.Iteration = uint32(f.Varint)
		case 3:
			m.ChainKey = wire.Clone(f.Bytes)
		case 4:
			m.SigningKey = wire.Clone(f.Bytes)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if len(m.ChainKey) != 32 || len(m.SigningKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: incomplete distribution", ErrInvalidMessage)
	}
	return m, nil
}

// Message is one group ciphertext, signed by the sender's signing key.
type Message struct {
	KeyID      uint32
	Iteration  uint32
	Ciphertext []byte
}

func (m *Message) body() []byte {
	b := []byte{versionByte()}
	b = wire.AppendVarint(b, 1, uint64(m.KeyID))
	b = wire.AppendVarint(b, 2, uint64(m.Iteration))
	b = wire.AppendBytes(b, 3, m.Ciphertext)
	return b
}

// signed returns the body followed by its signature.
func (m *Message) signed(priv ed25519.PrivateKey) []byte {
	body := m.body()
	return append(body, ed25519.Sign(priv, body)...)
}

// parseMessage splits b into the message and the signed body plus signature for verification.
func parseMessage(b []byte) (*Message, []byte, []byte, error) {
	if len(b) < 1+ed25519.SignatureSize {
		return nil, nil, nil, fmt.Errorf("%w: too short", ErrInvalidMessage)
	}
	body, sig := b[:len(b)-ed25519.SignatureSize], b[len(b)-ed25519.SignatureSize:]
	if body[0]>>4 != currentVersion {
		return nil, nil, nil, fmt.Errorf("%w: bad version %d", ErrInvalidMessage, body[0]>>4)
	}
	m := &Message{}
	if err := wire.Walk(body[1:], func(f wire.Field) error {
		switch f.Num {
		case 1:
			m.KeyID = uint32(f.Varint)
		case 2:
			m.Iteration = uint32(f.Varint)
		case 3:
			m.Ciphertext = wire.Clone(f.Bytes)
		}
		return nil
	}); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m, body, sig, nil
}
