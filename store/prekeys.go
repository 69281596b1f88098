package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-e2e/ratchet"
)

func (s *Store) StorePreKeys(keys []*ratchet.PreKeyRecord) error {
	for _, k := range keys {
		if _, err := s.Tx.NamedExec("INSERT INTO _prekeys (id, public_key, private_key) VALUES (:id, :public_key, :private_key) ON CONFLICT(id) DO UPDATE SET public_key = :public_key, private_key = :private_key", k); err != nil {
			return fmt.Errorf("store: error storing prekey %d: %w", k.ID, err)
		}
	}
	return nil
}

func (s *Store) LoadPreKey(id uint32) (*ratchet.PreKeyRecord, error) {
	k := &ratchet.PreKeyRecord{}
	if err := s.Tx.Get(k, "SELECT * FROM _prekeys WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting prekey %d: %w", id, err)
	}
	return k, nil
}

func (s *Store) RemovePreKey(id uint32) error {
	if _, err := s.Tx.Exec("DELETE FROM _prekeys WHERE id = ?", id); err != nil {
		return fmt.Errorf("store: error removing prekey %d: %w", id, err)
	}
	return nil
}

func (s *Store) PreKeyCount() (int, error) {
	var count int
	if err := s.Tx.Get(&count, "SELECT count(*) FROM _prekeys"); err != nil {
		return 0, fmt.Errorf("store: error counting prekeys: %w", err)
	}
	return count, nil
}

// LastPreKeyID is the id of the newest prekey, or 0 when none was ever generated.
func (s *Store) LastPreKeyID() (uint32, error) {
	var id sql.NullInt64
	if err := s.Tx.Get(&id, "SELECT value FROM _store_meta WHERE name = 'last_prekey_id'"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("store: error getting last prekey id: %w", err)
	}
	return uint32(id.Int64), nil
}

func (s *Store) SetLastPreKeyID(id uint32) error {
	if _, err := s.Tx.Exec("INSERT INTO _store_meta (name, value) VALUES ('last_prekey_id', ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value", id); err != nil {
		return fmt.Errorf("store: error setting last prekey id: %w", err)
	}
	return nil
}

func (s *Store) StoreSignedPreKey(k *ratchet.SignedPreKeyRecord) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _signed_prekeys (id, public_key, private_key, signature, ctime_ms) VALUES (:id, :public_key, :private_key, :signature, :ctime_ms) ON CONFLICT(id) DO UPDATE SET public_key = :public_key, private_key = :private_key, signature = :signature, ctime_ms = :ctime_ms", k); err != nil {
		return fmt.Errorf("store: error storing signed prekey %d: %w", k.ID, err)
	}
	return nil
}

func (s *Store) LoadSignedPreKey(id uint32) (*ratchet.SignedPreKeyRecord, error) {
	k := &ratchet.SignedPreKeyRecord{}
	if err := s.Tx.Get(k, "SELECT * FROM _signed_prekeys WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting signed prekey %d: %w", id, err)
	}
	return k, nil
}

// CurrentSignedPreKey is the most recently generated signed prekey.
func (s *Store) CurrentSignedPreKey() (*ratchet.SignedPreKeyRecord, error) {
	k := &ratchet.SignedPreKeyRecord{}
	if err := s.Tx.Get(k, "SELECT * FROM _signed_prekeys ORDER BY ctime_ms DESC, id DESC LIMIT 1"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting current signed prekey: %w", err)
	}
	return k, nil
}
