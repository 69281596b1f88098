// Package store persists every piece of cryptographic state the session and sender-key ciphers
// need in the encrypted database. Methods other than Run expect to be called inside Run.
package store

import (
	"database/sql"

	"github.com/meow-io/go-e2e/clock"
	"github.com/meow-io/go-e2e/config"
	"github.com/meow-io/go-e2e/internal/db"
	"github.com/meow-io/go-e2e/migration"
	"github.com/meow-io/go-e2e/ratchet"
	"github.com/meow-io/go-e2e/senderkey"
	"go.uber.org/zap"
)

type Store struct {
	*db.Database
	log   *zap.SugaredLogger
	clock clock.Clock
}

var (
	_ ratchet.Store   = (*Store)(nil)
	_ senderkey.Store = (*Store)(nil)
)

func New(c *config.Config, d *db.Database, cl clock.Clock) (*Store, error) {
	s := &Store{Database: d, log: c.Logger("store"), clock: cl}
	if err := d.Migrate("_store", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _local_identity (
						id INTEGER PRIMARY KEY CHECK (id = 1),
						registration_id INTEGER NOT NULL,
						public_key BLOB NOT NULL,
						dh_private BLOB NOT NULL,
						signing_private BLOB NOT NULL
					);

					CREATE TABLE _identities (
						peer STRING PRIMARY KEY,
						public_key BLOB NOT NULL,
						ctime_ms INTEGER NOT NULL
					);

					CREATE TABLE _prekeys (
						id INTEGER PRIMARY KEY,
						public_key BLOB NOT NULL,
						private_key BLOB NOT NULL
					);

					CREATE TABLE _signed_prekeys (
						id INTEGER PRIMARY KEY,
						public_key BLOB NOT NULL,
						private_key BLOB NOT NULL,
						signature BLOB NOT NULL,
						ctime_ms INTEGER NOT NULL
					);

					CREATE TABLE _sessions (
						peer STRING PRIMARY KEY,
						session_id BLOB NOT NULL,
						remote_identity BLOB NOT NULL,
						remote_registration_id INTEGER NOT NULL,
						base_key BLOB NOT NULL,
						pending INTEGER NOT NULL,
						pending_prekey_id INTEGER NOT NULL,
						pending_has_prekey INTEGER NOT NULL,
						pending_signed_prekey_id INTEGER NOT NULL
					);

					CREATE TABLE _doubleratchet_keys (
						pub_key BLOB NOT NULL,
						message_key BLOB NOT NULL,
						msg_num INTEGER NOT NULL,
						session_id BLOB NOT NULL,
						seq_num INTEGER NOT NULL
					);
					CREATE UNIQUE INDEX doubleratchet_keys_pubkey_msg_num on _doubleratchet_keys (pub_key, msg_num);
					CREATE UNIQUE INDEX doubleratchet_keys_session_id_seq_num on _doubleratchet_keys (session_id, seq_num);

					CREATE TABLE _doubleratchet_states (
						id BLOB NOT NULL PRIMARY KEY,
						dhr BLOB,
						dhs_pub BLOB NOT NULL,
						dhs_priv BLOB NOT NULL,
						root_ch_key BLOB NOT NULL,
						send_ch_key BLOB,
						send_ch_count INTEGER NOT NULL,
						recv_ch_key BLOB,
						recv_ch_count INTEGER NOT NULL,
						pn INTEGER NOT NULL,
						max_skip INTEGER NOT NULL,
						hkr BLOB,
						nhkr BLOB,
						hks BLOB,
						nhks BLOB,
						max_keep INTEGER NOT NULL,
						mmk_per_session INTEGER NOT NULL,
						step INTEGER NOT NULL,
						keys_count INTEGER NOT NULL
					);

					CREATE TABLE _store_meta (
						name STRING PRIMARY KEY,
						value INTEGER NOT NULL
					);

					CREATE TABLE _sender_keys (
						group_id STRING NOT NULL,
						sender STRING NOT NULL,
						record BLOB NOT NULL,
						PRIMARY KEY (group_id, sender)
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return s, nil
}
