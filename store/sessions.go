package store

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-e2e/ratchet"
)

type session struct {
	Peer                  string `db:"peer"`
	SessionID             []byte `db:"session_id"`
	RemoteIdentity        []byte `db:"remote_identity"`
	RemoteRegistrationID  uint32 `db:"remote_registration_id"`
	BaseKey               []byte `db:"base_key"`
	Pending               bool   `db:"pending"`
	PendingPreKeyID       uint32 `db:"pending_prekey_id"`
	PendingHasPreKey      bool   `db:"pending_has_prekey"`
	PendingSignedPreKeyID uint32 `db:"pending_signed_prekey_id"`
}

func (s *Store) session(peer string) (*session, error) {
	row := &session{}
	if err := s.Tx.Get(row, "SELECT * FROM _sessions WHERE peer = ?", peer); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting session for %s: %w", peer, err)
	}
	return row, nil
}

func (s *Store) LoadSession(peer string) (*ratchet.SessionRecord, error) {
	row, err := s.session(peer)
	if err != nil || row == nil {
		return nil, err
	}
	rec := &ratchet.SessionRecord{
		SessionID:            row.SessionID,
		RemoteIdentity:       row.RemoteIdentity,
		RemoteRegistrationID: row.RemoteRegistrationID,
		BaseKey:              row.BaseKey,
	}
	if row.Pending {
		rec.Pending = &ratchet.PendingPreKey{
			PreKeyID:       row.PendingPreKeyID,
			HasPreKey:      row.PendingHasPreKey,
			SignedPreKeyID: row.PendingSignedPreKeyID,
		}
	}
	return rec, nil
}

// StoreSession replaces the record for peer, dropping ratchet state of a superseded session.
func (s *Store) StoreSession(peer string, rec *ratchet.SessionRecord) error {
	existing, err := s.session(peer)
	if err != nil {
		return err
	}
	if existing != nil && !bytes.Equal(existing.SessionID, rec.SessionID) {
		if err := s.deleteDoubleratchet(existing.SessionID); err != nil {
			return err
		}
	}
	row := &session{
		Peer:                 peer,
		SessionID:            rec.SessionID,
		RemoteIdentity:       rec.RemoteIdentity,
		RemoteRegistrationID: rec.RemoteRegistrationID,
		BaseKey:              rec.BaseKey,
	}
	if p := rec.Pending; p != nil {
		row.Pending = true
		row.PendingPreKeyID = p.PreKeyID
		row.PendingHasPreKey = p.HasPreKey
		row.PendingSignedPreKeyID = p.SignedPreKeyID
	}
	if _, err := s.Tx.NamedExec("INSERT INTO _sessions (peer, session_id, remote_identity, remote_registration_id, base_key, pending, pending_prekey_id, pending_has_prekey, pending_signed_prekey_id) VALUES (:peer, :session_id, :remote_identity, :remote_registration_id, :base_key, :pending, :pending_prekey_id, :pending_has_prekey, :pending_signed_prekey_id) ON CONFLICT(peer) DO UPDATE SET session_id = :session_id, remote_identity = :remote_identity, remote_registration_id = :remote_registration_id, base_key = :base_key, pending = :pending, pending_prekey_id = :pending_prekey_id, pending_has_prekey = :pending_has_prekey, pending_signed_prekey_id = :pending_signed_prekey_id", row); err != nil {
		return fmt.Errorf("store: error storing session for %s: %w", peer, err)
	}
	return nil
}

func (s *Store) ContainsSession(peer string) (bool, error) {
	var count int
	if err := s.Tx.Get(&count, "SELECT count(*) FROM _sessions WHERE peer = ?", peer); err != nil {
		return false, fmt.Errorf("store: error checking session for %s: %w", peer, err)
	}
	return count > 0, nil
}

func (s *Store) DeleteSession(peer string) error {
	existing, err := s.session(peer)
	if err != nil || existing == nil {
		return err
	}
	if err := s.deleteDoubleratchet(existing.SessionID); err != nil {
		return err
	}
	if _, err := s.Tx.Exec("DELETE FROM _sessions WHERE peer = ?", peer); err != nil {
		return fmt.Errorf("store: error deleting session for %s: %w", peer, err)
	}
	return nil
}
