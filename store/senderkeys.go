package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-e2e/senderkey"
)

func (s *Store) LoadSenderKey(name senderkey.SenderKeyName) (*senderkey.Record, error) {
	var b []byte
	if err := s.Tx.Get(&b, "SELECT record FROM _sender_keys WHERE group_id = ? AND sender = ?", name.GroupID, name.Sender); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &senderkey.Record{}, nil
		}
		return nil, fmt.Errorf("store: error getting sender key %s: %w", name, err)
	}
	return senderkey.UnmarshalRecord(b)
}

func (s *Store) StoreSenderKey(name senderkey.SenderKeyName, rec *senderkey.Record) error {
	if _, err := s.Tx.Exec("INSERT INTO _sender_keys (group_id, sender, record) VALUES (?, ?, ?) ON CONFLICT(group_id, sender) DO UPDATE SET record = excluded.record", name.GroupID, name.Sender, rec.Marshal()); err != nil {
		return fmt.Errorf("store: error storing sender key %s: %w", name, err)
	}
	return nil
}
