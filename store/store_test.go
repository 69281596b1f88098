package store

import (
	"os"
	"testing"

	"github.com/meow-io/go-e2e/clock"
	"github.com/meow-io/go-e2e/internal/test"
	"github.com/meow-io/go-e2e/ratchet"
	"github.com/meow-io/go-e2e/senderkey"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestStore(t *testing.T) *Store {
	c := test.NewTestConfig("store")
	s, err := New(c, test.NewTestDatabase(c), clock.NewSystemClock())
	require.Nil(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func TestLocalIdentity(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	pair, err := ratchet.NewIdentityKeyPair()
	require.Nil(err)

	require.Nil(s.Run("local identity", func() error {
		has, err := s.HasLocalIdentity()
		require.Nil(err)
		require.False(has)
		require.Nil(s.SaveLocalIdentity(pair, 77))

		has, err = s.HasLocalIdentity()
		require.Nil(err)
		require.True(has)
		loaded, err := s.IdentityKeyPair()
		require.Nil(err)
		require.Equal([]byte(pair.Public), []byte(loaded.Public))
		require.Equal(pair.DHPrivate, loaded.DHPrivate)
		regID, err := s.LocalRegistrationID()
		require.Nil(err)
		require.Equal(uint32(77), regID)
		return nil
	}))
}

func TestIdentityTrust(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	first, err := ratchet.NewIdentityKeyPair()
	require.Nil(err)
	second, err := ratchet.NewIdentityKeyPair()
	require.Nil(err)

	require.Nil(s.Run("trust", func() error {
		trusted, err := s.IsTrustedIdentity("bob", first.Public)
		require.Nil(err)
		require.True(trusted)

		require.Nil(s.SaveIdentity("bob", first.Public))
		trusted, err = s.IsTrustedIdentity("bob", first.Public)
		require.Nil(err)
		require.True(trusted)
		trusted, err = s.IsTrustedIdentity("bob", second.Public)
		require.Nil(err)
		require.False(trusted)

		require.Nil(s.SaveIdentity("bob", second.Public))
		trusted, err = s.IsTrustedIdentity("bob", second.Public)
		require.Nil(err)
		require.True(trusted)
		return nil
	}))
}

func TestPreKeys(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	keys, err := ratchet.GeneratePreKeys(0, 5)
	require.Nil(err)

	require.Nil(s.Run("prekeys", func() error {
		last, err := s.LastPreKeyID()
		require.Nil(err)
		require.Equal(uint32(0), last)

		require.Nil(s.StorePreKeys(keys))
		require.Nil(s.SetLastPreKeyID(keys[len(keys)-1].ID))
		count, err := s.PreKeyCount()
		require.Nil(err)
		require.Equal(5, count)
		last, err = s.LastPreKeyID()
		require.Nil(err)
		require.Equal(uint32(5), last)

		k, err := s.LoadPreKey(3)
		require.Nil(err)
		require.Equal(keys[2].Public, k.Public)
		require.Nil(s.RemovePreKey(3))
		k, err = s.LoadPreKey(3)
		require.Nil(err)
		require.Nil(k)
		return nil
	}))
}

func TestSignedPreKeys(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	pair, err := ratchet.NewIdentityKeyPair()
	require.Nil(err)
	older, err := ratchet.GenerateSignedPreKey(pair, 1, 1000)
	require.Nil(err)
	newer, err := ratchet.GenerateSignedPreKey(pair, 2, 2000)
	require.Nil(err)

	require.Nil(s.Run("signed prekeys", func() error {
		current, err := s.CurrentSignedPreKey()
		require.Nil(err)
		require.Nil(current)

		require.Nil(s.StoreSignedPreKey(older))
		require.Nil(s.StoreSignedPreKey(newer))
		current, err = s.CurrentSignedPreKey()
		require.Nil(err)
		require.Equal(uint32(2), current.ID)

		k, err := s.LoadSignedPreKey(1)
		require.Nil(err)
		require.Equal(older.Signature, k.Signature)
		k, err = s.LoadSignedPreKey(9)
		require.Nil(err)
		require.Nil(k)
		return nil
	}))
}

func TestSessionReplaceDropsRatchetState(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	identity, err := ratchet.NewIdentityKeyPair()
	require.Nil(err)

	require.Nil(s.Run("sessions", func() error {
		ok, err := s.ContainsSession("bob")
		require.Nil(err)
		require.False(ok)
		rec, err := s.LoadSession("bob")
		require.Nil(err)
		require.Nil(rec)

		first := &ratchet.SessionRecord{
			SessionID:            []byte("first"),
			RemoteIdentity:       identity.Public,
			RemoteRegistrationID: 9,
			BaseKey:              []byte("base"),
			Pending:              &ratchet.PendingPreKey{PreKeyID: 4, HasPreKey: true, SignedPreKeyID: 1},
		}
		require.Nil(s.StoreSession("bob", first))
		require.Nil(s.KeysStorage(first.SessionID).Put(first.SessionID, []byte("pub"), 1, []byte("mk"), 1))

		loaded, err := s.LoadSession("bob")
		require.Nil(err)
		require.Equal(uint32(9), loaded.RemoteRegistrationID)
		require.Equal(first.Pending, loaded.Pending)

		second := &ratchet.SessionRecord{
			SessionID:      []byte("second"),
			RemoteIdentity: identity.Public,
			BaseKey:        []byte("other"),
		}
		require.Nil(s.StoreSession("bob", second))
		_, found, err := s.KeysStorage(first.SessionID).Get([]byte("pub"), 1)
		require.Nil(err)
		require.False(found)

		loaded, err = s.LoadSession("bob")
		require.Nil(err)
		require.Equal([]byte("second"), loaded.SessionID)
		require.Nil(loaded.Pending)

		require.Nil(s.DeleteSession("bob"))
		ok, err = s.ContainsSession("bob")
		require.Nil(err)
		require.False(ok)
		return nil
	}))
}

func TestSkippedKeys(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	id := []byte("session")
	ks := s.KeysStorage(id)

	require.Nil(s.Run("skipped keys", func() error {
		for i := uint(0); i < 4; i++ {
			require.Nil(ks.Put(id, []byte("pub"), i, []byte{byte(i)}, i))
		}
		count, err := ks.Count([]byte("pub"))
		require.Nil(err)
		require.Equal(uint(4), count)

		mk, ok, err := ks.Get([]byte("pub"), 2)
		require.Nil(err)
		require.True(ok)
		require.Equal([]byte{2}, []byte(mk))

		require.Nil(ks.DeleteMk([]byte("pub"), 2))
		require.Nil(ks.DeleteOldMks(id, 1))
		require.Nil(ks.TruncateMks(id, 1))
		all, err := ks.All()
		require.Nil(err)
		require.Len(all, 1)
		count, err = ks.Count([]byte("pub"))
		require.Nil(err)
		require.Equal(uint(1), count)

		require.NotNil(ks.Put([]byte("elsewhere"), []byte("pub"), 9, []byte{9}, 9))
		return nil
	}))
}

func TestSenderKeys(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	name := senderkey.SenderKeyName{GroupID: "4912-1418906377", Sender: "alice"}

	require.Nil(s.Run("sender keys", func() error {
		rec, err := s.LoadSenderKey(name)
		require.Nil(err)
		require.True(rec.Empty())

		dist, err := senderkey.NewGroupSessionBuilder(s).Create(name)
		require.Nil(err)
		again, err := senderkey.NewGroupSessionBuilder(s).Create(name)
		require.Nil(err)
		require.Equal(dist.ChainKey, again.ChainKey)

		rec, err = s.LoadSenderKey(name)
		require.Nil(err)
		require.False(rec.Empty())
		return nil
	}))
}
