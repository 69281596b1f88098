package ratchet

import "github.com/status-im/doubleratchet"

type IdentityStore interface {
	IdentityKeyPair() (*IdentityKeyPair, error)
	LocalRegistrationID() (uint32, error)
	SaveIdentity(peer string, key IdentityKey) error
	// IsTrustedIdentity is true when no key is stored for peer or the stored key equals key.
	IsTrustedIdentity(peer string, key IdentityKey) (bool, error)
}

// PreKeyStore loads return nil, nil when the id is unknown.
type PreKeyStore interface {
	LoadPreKey(id uint32) (*PreKeyRecord, error)
	RemovePreKey(id uint32) error
	LoadSignedPreKey(id uint32) (*SignedPreKeyRecord, error)
}

// SessionStore persists one session record per peer plus the double ratchet state it points to.
type SessionStore interface {
	doubleratchet.SessionStorage
	LoadSession(peer string) (*SessionRecord, error)
	StoreSession(peer string, rec *SessionRecord) error
	ContainsSession(peer string) (bool, error)
	KeysStorage(sessionID []byte) doubleratchet.KeysStorage
}

// Store is everything the session builder and cipher need. Calls are expected to run inside a
// single transaction per operation.
type Store interface {
	IdentityStore
	PreKeyStore
	SessionStore
}
