package ratchet

import (
	"github.com/meow-io/go-e2e/crypto"
	"github.com/status-im/doubleratchet"
)

type dhPairImpl struct {
	privateKey [32]byte
	publicKey  [32]byte
}

func (pair dhPairImpl) PrivateKey() doubleratchet.Key {
	return pair.privateKey[:]
}

func (pair dhPairImpl) PublicKey() doubleratchet.Key {
	return pair.publicKey[:]
}

// NewDHPair wraps stored key material for the double ratchet.
func NewDHPair(priv, pub []byte) doubleratchet.DHPair {
	return dhPairImpl{privateKey: [32]byte(priv), publicKey: [32]byte(pub)}
}

type cryptoImpl struct {
	defaultCrypto doubleratchet.DefaultCrypto
}

// DoubleRatchetCrypto is the primitive set every session uses: X25519 through nacl and
// chacha20poly1305 for message keys.
func DoubleRatchetCrypto() doubleratchet.Crypto {
	return &cryptoImpl{}
}

func (c *cryptoImpl) GenerateDH() (doubleratchet.DHPair, error) {
	kp, err := crypto.NewKeyPair()
	if err != nil {
		return nil, err
	}
	return dhPairImpl{privateKey: kp.Private, publicKey: kp.Public}, nil
}

func (c *cryptoImpl) DH(dhPair doubleratchet.DHPair, dhPub doubleratchet.Key) (doubleratchet.Key, error) {
	return crypto.DH(dhPair.PrivateKey(), dhPub)
}

func (c *cryptoImpl) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return crypto.EncryptWithKey(mk, plaintext, ad)
}

func (c *cryptoImpl) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	return crypto.DecryptWithKey(mk, ciphertext, ad)
}

func (c *cryptoImpl) KdfRK(rk, dhOut doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfRK(rk, dhOut)
}

func (c *cryptoImpl) KdfCK(ck doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfCK(ck)
}

func load(store Store, sessionID []byte) (doubleratchet.Session, error) {
	return doubleratchet.Load(sessionID, store, doubleratchet.WithCrypto(DoubleRatchetCrypto()), doubleratchet.WithKeysStorage(store.KeysStorage(sessionID)))
}
