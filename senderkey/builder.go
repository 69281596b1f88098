package senderkey

import (
	"bytes"
	crypto_rand "crypto/rand"
	"fmt"
	"io"

	"github.com/meow-io/go-e2e/crypto"
)

// GroupSessionBuilder creates our own sender keys and installs the ones other members distribute.
type GroupSessionBuilder struct {
	store Store
}

func NewGroupSessionBuilder(store Store) *GroupSessionBuilder {
	return &GroupSessionBuilder{store: store}
}

// Create returns the distribution for our chain in name, making the chain on first use.
func (b *GroupSessionBuilder) Create(name SenderKeyName) (*DistributionMessage, error) {
	rec, err := b.store.LoadSenderKey(name)
	if err != nil {
		return nil, err
	}
	if rec.Empty() {
		chainKey := make([]byte, 32)
		if _, err := io.ReadFull(crypto_rand.Reader, chainKey); err != nil {
			return nil, fmt.Errorf("senderkey: error generating chain key: %w", err)
		}
		pub, priv, err := crypto.NewSigningKey()
		if err != nil {
			return nil, err
		}
		rec.add(&State{
			KeyID:          crypto.RandomUint32() & 0x7fffffff,
			ChainKey:       chainKey,
			SigningPublic:  pub,
			SigningPrivate: priv,
		})
		if err := b.store.StoreSenderKey(name, rec); err != nil {
			return nil, err
		}
	}
	s := rec.States[0]
	return &DistributionMessage{
		KeyID:      s.KeyID,
		Iteration:  s.Iteration,
		ChainKey:   s.ChainKey,
		SigningKey: s.SigningPublic,
	}, nil
}

// Process installs a distribution received from name.Sender. A distribution for a chain we already
// hold is ignored.
func (b *GroupSessionBuilder) Process(name SenderKeyName, m *DistributionMessage) error {
	rec, err := b.store.LoadSenderKey(name)
	if err != nil {
		return err
	}
	// a known chain only ever moves forward
	if s := rec.state(m.KeyID); s != nil && bytes.Equal(s.SigningPublic, m.SigningKey) {
		return nil
	}
	rec.add(&State{
		KeyID:         m.KeyID,
		Iteration:     m.Iteration,
		ChainKey:      m.ChainKey,
		SigningPublic: m.SigningKey,
	})
	return b.store.StoreSenderKey(name, rec)
}
