package ratchet

import (
	"errors"
	"fmt"
)

var (
	ErrNoSession          = errors.New("ratchet: no session")
	ErrInvalidMessage     = errors.New("ratchet: invalid message")
	ErrInvalidKeyID       = errors.New("ratchet: invalid key id")
	ErrDuplicateMessage   = errors.New("ratchet: duplicate message")
	ErrInvalidSignature   = errors.New("ratchet: invalid signed prekey signature")
	ErrUnsupportedVersion = errors.New("ratchet: unsupported message version")
)

// UntrustedIdentityError is returned when a peer presents an identity key different from the one
// stored for it.
type UntrustedIdentityError struct {
	Peer string
	Key  IdentityKey
}

func (e *UntrustedIdentityError) Error() string {
	return fmt.Sprintf("ratchet: untrusted identity for %s", e.Peer)
}
