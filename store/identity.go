package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-e2e/ratchet"
)

type localIdentity struct {
	ID             int    `db:"id"`
	RegistrationID uint32 `db:"registration_id"`
	PublicKey      []byte `db:"public_key"`
	DHPrivate      []byte `db:"dh_private"`
	SigningPrivate []byte `db:"signing_private"`
}

func (s *Store) localIdentity() (*localIdentity, error) {
	li := &localIdentity{}
	if err := s.Tx.Get(li, "SELECT * FROM _local_identity WHERE id = 1"); err != nil {
		return nil, fmt.Errorf("store: error getting local identity: %w", err)
	}
	return li, nil
}

func (s *Store) HasLocalIdentity() (bool, error) {
	var count int
	if err := s.Tx.Get(&count, "SELECT count(*) FROM _local_identity"); err != nil {
		return false, fmt.Errorf("store: error counting local identity: %w", err)
	}
	return count == 1, nil
}

func (s *Store) SaveLocalIdentity(pair *ratchet.IdentityKeyPair, registrationID uint32) error {
	li := &localIdentity{
		ID:             1,
		RegistrationID: registrationID,
		PublicKey:      pair.Public,
		DHPrivate:      pair.DHPrivate,
		SigningPrivate: pair.SigningPrivate,
	}
	if _, err := s.Tx.NamedExec("INSERT INTO _local_identity (id, registration_id, public_key, dh_private, signing_private) VALUES (:id, :registration_id, :public_key, :dh_private, :signing_private) ON CONFLICT(id) DO UPDATE SET registration_id = :registration_id, public_key = :public_key, dh_private = :dh_private, signing_private = :signing_private", li); err != nil {
		return fmt.Errorf("store: error saving local identity: %w", err)
	}
	return nil
}

func (s *Store) IdentityKeyPair() (*ratchet.IdentityKeyPair, error) {
	li, err := s.localIdentity()
	if err != nil {
		return nil, err
	}
	return &ratchet.IdentityKeyPair{
		DHPrivate:      li.DHPrivate,
		SigningPrivate: li.SigningPrivate,
		Public:         li.PublicKey,
	}, nil
}

func (s *Store) LocalRegistrationID() (uint32, error) {
	li, err := s.localIdentity()
	if err != nil {
		return 0, err
	}
	return li.RegistrationID, nil
}

func (s *Store) SaveIdentity(peer string, key ratchet.IdentityKey) error {
	if _, err := s.Tx.Exec("INSERT INTO _identities (peer, public_key, ctime_ms) VALUES (?, ?, ?) ON CONFLICT(peer) DO UPDATE SET public_key = excluded.public_key", peer, []byte(key), s.clock.CurrentTimeMs()); err != nil {
		return fmt.Errorf("store: error saving identity for %s: %w", peer, err)
	}
	return nil
}

func (s *Store) Identity(peer string) (ratchet.IdentityKey, error) {
	var key []byte
	if err := s.Tx.Get(&key, "SELECT public_key FROM _identities WHERE peer = ?", peer); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting identity for %s: %w", peer, err)
	}
	return key, nil
}

func (s *Store) IsTrustedIdentity(peer string, key ratchet.IdentityKey) (bool, error) {
	stored, err := s.Identity(peer)
	if err != nil {
		return false, err
	}
	return stored == nil || stored.Equal(key), nil
}
