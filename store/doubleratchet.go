package store

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-e2e/ratchet"
	"github.com/status-im/doubleratchet"
)

type doubleratchetKey struct {
	PublicKey      []byte `db:"pub_key"`
	MessageKey     []byte `db:"message_key"`
	MessageNumber  uint   `db:"msg_num"`
	SessionID      []byte `db:"session_id"`
	SequenceNumber uint   `db:"seq_num"`
}

type doubleratchetState struct {
	ID                       []byte `db:"id"`
	Dhr                      []byte `db:"dhr"`
	DhsPub                   []byte `db:"dhs_pub"`
	DhsPriv                  []byte `db:"dhs_priv"`
	RootChKey                []byte `db:"root_ch_key"`
	SendChKey                []byte `db:"send_ch_key"`
	SendChCount              uint32 `db:"send_ch_count"`
	RecvChKey                []byte `db:"recv_ch_key"`
	RecvChCount              uint32 `db:"recv_ch_count"`
	PN                       uint32 `db:"pn"`
	MaxSkip                  uint   `db:"max_skip"`
	HKr                      []byte `db:"hkr"`
	NHKr                     []byte `db:"nhkr"`
	HKs                      []byte `db:"hks"`
	NHKs                     []byte `db:"nhks"`
	MaxKeep                  uint   `db:"max_keep"`
	MaxMessageKeysPerSession int    `db:"mmk_per_session"`
	Step                     uint   `db:"step"`
	KeysCount                uint   `db:"keys_count"`
}

// Load implements doubleratchet.SessionStorage.
func (s *Store) Load(id []byte) (*doubleratchet.State, error) {
	row := &doubleratchetState{}
	if err := s.Tx.Get(row, "SELECT * FROM _doubleratchet_states WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("store: error getting doubleratchet state: %w", err)
	}
	drc := ratchet.DoubleRatchetCrypto()
	return &doubleratchet.State{
		Crypto: drc,
		DHr:    row.Dhr,
		DHs:    ratchet.NewDHPair(row.DhsPriv, row.DhsPub),
		RootCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
		}{Crypto: drc, CK: row.RootChKey},
		SendCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: row.SendChKey, N: row.SendChCount},
		RecvCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: row.RecvChKey, N: row.RecvChCount},
		PN:                       row.PN,
		MkSkipped:                s.KeysStorage(id),
		MaxSkip:                  row.MaxSkip,
		HKr:                      row.HKr,
		NHKr:                     row.NHKr,
		HKs:                      row.HKs,
		NHKs:                     row.NHKs,
		MaxKeep:                  row.MaxKeep,
		MaxMessageKeysPerSession: row.MaxMessageKeysPerSession,
		Step:                     row.Step,
		KeysCount:                row.KeysCount,
	}, nil
}

// Save implements doubleratchet.SessionStorage.
func (s *Store) Save(id []byte, state *doubleratchet.State) error {
	row := &doubleratchetState{
		ID:                       id,
		Dhr:                      state.DHr,
		DhsPub:                   state.DHs.PublicKey(),
		DhsPriv:                  state.DHs.PrivateKey(),
		RootChKey:                state.RootCh.CK,
		SendChKey:                state.SendCh.CK,
		SendChCount:              state.SendCh.N,
		RecvChKey:                state.RecvCh.CK,
		RecvChCount:              state.RecvCh.N,
		PN:                       state.PN,
		MaxSkip:                  state.MaxSkip,
		HKr:                      state.HKr,
		NHKr:                     state.NHKr,
		HKs:                      state.HKs,
		NHKs:                     state.NHKs,
		MaxKeep:                  state.MaxKeep,
		MaxMessageKeysPerSession: state.MaxMessageKeysPerSession,
		Step:                     state.Step,
		KeysCount:                state.KeysCount,
	}
	if _, err := s.Tx.NamedExec("INSERT INTO _doubleratchet_states (id, dhr, dhs_pub, dhs_priv, root_ch_key, send_ch_key, send_ch_count, recv_ch_key, recv_ch_count, pn, max_skip, hkr, nhkr, hks, nhks, max_keep, mmk_per_session, step, keys_count) VALUES (:id, :dhr, :dhs_pub, :dhs_priv, :root_ch_key, :send_ch_key, :send_ch_count, :recv_ch_key, :recv_ch_count, :pn, :max_skip, :hkr, :nhkr, :hks, :nhks, :max_keep, :mmk_per_session, :step, :keys_count) ON CONFLICT(id) DO UPDATE SET dhr = :dhr, dhs_pub = :dhs_pub, dhs_priv = :dhs_priv, root_ch_key = :root_ch_key, send_ch_key = :send_ch_key, send_ch_count = :send_ch_count, recv_ch_key = :recv_ch_key, recv_ch_count = :recv_ch_count, pn = :pn, max_skip = :max_skip, hkr = :hkr, nhkr = :nhkr, hks = :hks, nhks = :nhks, max_keep = :max_keep, mmk_per_session = :mmk_per_session, step = :step, keys_count = :keys_count", row); err != nil {
		return fmt.Errorf("store: error upserting doubleratchet state: %w", err)
	}
	return nil
}

func (s *Store) deleteDoubleratchet(id []byte) error {
	if _, err := s.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("store: error deleting doubleratchet keys: %w", err)
	}
	if _, err := s.Tx.Exec("DELETE FROM _doubleratchet_states WHERE id = ?", id); err != nil {
		return fmt.Errorf("store: error deleting doubleratchet state: %w", err)
	}
	return nil
}

func (s *Store) KeysStorage(sessionID []byte) doubleratchet.KeysStorage {
	return &keysStorage{sessionID: sessionID, store: s}
}

// keysStorage holds skipped message keys for one session.
type keysStorage struct {
	sessionID []byte
	store     *Store
}

func (ks *keysStorage) checkSession(sessionID []byte) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("store: expected session %x, got %x", ks.sessionID, sessionID)
	}
	return nil
}

func (ks *keysStorage) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	row := &doubleratchetKey{}
	if err := ks.store.Tx.Get(row, "SELECT * FROM _doubleratchet_keys WHERE pub_key = ? AND msg_num = ? AND session_id = ?", []byte(k), msgNum, ks.sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: error getting skipped key: %w", err)
	}
	return row.MessageKey, true, nil
}

func (ks *keysStorage) Put(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if err := ks.checkSession(sessionID); err != nil {
		return err
	}
	if _, err := ks.store.Tx.Exec("INSERT INTO _doubleratchet_keys (pub_key, message_key, msg_num, session_id, seq_num) VALUES (?, ?, ?, ?, ?)", []byte(k), []byte(mk), msgNum, sessionID, keySeqNum); err != nil {
		return fmt.Errorf("store: error putting skipped key: %w", err)
	}
	return nil
}

func (ks *keysStorage) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	if _, err := ks.store.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE pub_key = ? AND msg_num = ? AND session_id = ?", []byte(k), msgNum, ks.sessionID); err != nil {
		return fmt.Errorf("store: error deleting skipped key: %w", err)
	}
	return nil
}

func (ks *keysStorage) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if err := ks.checkSession(sessionID); err != nil {
		return err
	}
	if _, err := ks.store.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = ? AND seq_num < ?", sessionID, deleteUntilSeqKey); err != nil {
		return fmt.Errorf("store: error deleting old skipped keys: %w", err)
	}
	return nil
}

func (ks *keysStorage) TruncateMks(sessionID []byte, maxKeys int) error {
	if err := ks.checkSession(sessionID); err != nil {
		return err
	}
	if _, err := ks.store.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = ? AND seq_num NOT IN (SELECT seq_num FROM _doubleratchet_keys WHERE session_id = ? ORDER BY seq_num DESC LIMIT ?)", sessionID, sessionID, maxKeys); err != nil {
		return fmt.Errorf("store: error truncating skipped keys: %w", err)
	}
	return nil
}

func (ks *keysStorage) Count(k doubleratchet.Key) (uint, error) {
	var count uint
	if err := ks.store.Tx.Get(&count, "SELECT count(*) FROM _doubleratchet_keys WHERE pub_key = ? AND session_id = ?", []byte(k), ks.sessionID); err != nil {
		return 0, fmt.Errorf("store: error counting skipped keys: %w", err)
	}
	return count, nil
}

func (ks *keysStorage) All() (map[string]map[uint]doubleratchet.Key, error) {
	var rows []*doubleratchetKey
	if err := ks.store.Tx.Select(&rows, "SELECT * FROM _doubleratchet_keys WHERE session_id = ?", ks.sessionID); err != nil {
		return nil, fmt.Errorf("store: error listing skipped keys: %w", err)
	}
	all := map[string]map[uint]doubleratchet.Key{}
	for _, r := range rows {
		pk := fmt.Sprintf("%x", r.PublicKey)
		if all[pk] == nil {
			all[pk] = map[uint]doubleratchet.Key{}
		}
		all[pk][r.MessageNumber] = r.MessageKey
	}
	return all, nil
}
