// Package crypto collects the primitive helpers shared by the session and sender-key ciphers.
package crypto

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
	"golang.org/x/crypto/hkdf"
)

const KeySize = 32

type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

func NewKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: *pub, Private: *priv}, nil
}

// KeyPairFromPrivate recomputes the public half of a stored private key.
func KeyPairFromPrivate(priv []byte) (*KeyPair, error) {
	if len(priv) != KeySize {
		return nil, fmt.Errorf("crypto: private key is wrong length %d", len(priv))
	}
	kp := &KeyPair{Private: [KeySize]byte(priv)}
	kp.Public = *scalarmult.Base(SliceToKey(kp.Private[:]))
	return kp, nil
}

func DH(priv, pub []byte) ([]byte, error) {
	if len(priv) != KeySize || len(pub) != KeySize {
		return nil, fmt.Errorf("crypto: dh keys must be %d bytes", KeySize)
	}
	out := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return out[:], nil
}

func DeriveSecrets(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("crypto: error deriving secrets: %w", err)
	}
	return out, nil
}

func NewSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(crypto_rand.Reader)
}

func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

func Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

func RandomUint32() uint32 {
	var b [4]byte
	if _, err := io.ReadFull(crypto_rand.Reader, b[:]); err != nil {
		panic("short read from random source")
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
