// Package senderkey implements group sender keys: a per-sender symmetric chain distributed to every
// member over 1:1 sessions and used to encrypt each group message once.
package senderkey

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-e2e/internal/wire"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	// MaxSkip bounds how far ahead of the chain a message may be.
	MaxSkip = 2000
	// MaxMessageKeys bounds stored keys for skipped iterations per state.
	MaxMessageKeys = 2000
	// MaxStates is how many distributions from one sender are kept.
	MaxStates = 5
)

var (
	ErrNoSession        = errors.New("senderkey: no session")
	ErrInvalidMessage   = errors.New("senderkey: invalid message")
	ErrDuplicateMessage = errors.New("senderkey: duplicate message")
)

// SenderKeyName addresses the chain one sender uses in one group.
type SenderKeyName struct {
	GroupID string
	Sender  string
}

func (n SenderKeyName) String() string {
	return fmt.Sprintf("%s::%s", n.GroupID, n.Sender)
}

type State struct {
	KeyID          uint32
	Iteration      uint32
	ChainKey       []byte
	SigningPublic  []byte
	SigningPrivate []byte
	MessageKeys    map[uint32][]byte
}

// Record holds a sender's states, newest first.
type Record struct {
	States []*State
}

func (r *Record) Empty() bool {
	return len(r.States) == 0
}

func (r *Record) state(keyID uint32) *State {
	for _, s := range r.States {
		if s.KeyID == keyID {
			return s
		}
	}
	return nil
}

func (r *Record) add(s *State) {
	r.States = slices.Insert(r.States, 0, s)
	for i := 1; i < len(r.States); i++ {
		if r.States[i].KeyID == s.KeyID {
			r.States = slices.Delete(r.States, i, i+1)
			break
		}
	}
	if len(r.States) > MaxStates {
		r.States = r.States[:MaxStates]
	}
}

func (s *State) putMessageKey(iteration uint32, key []byte) {
	if s.MessageKeys == nil {
		s.MessageKeys = map[uint32][]byte{}
	}
	s.MessageKeys[iteration] = key
	if len(s.MessageKeys) > MaxMessageKeys {
		its := maps.Keys(s.MessageKeys)
		slices.Sort(its)
		for _, it := range its[:len(its)-MaxMessageKeys] {
			delete(s.MessageKeys, it)
		}
	}
}

func (r *Record) Marshal() []byte {
	var b []byte
	for _, s := range r.States {
		var sb []byte
		sb = wire.AppendVarint(sb, 1, uint64(s.KeyID))
		sb = wire.AppendVarint(sb, 2, uint64(s.Iteration))
		sb = wire.AppendBytes(sb, 3, s.ChainKey)
		sb = wire.AppendBytes(sb, 4, s.SigningPublic)
		if s.SigningPrivate != nil {
			sb = wire.AppendBytes(sb, 5, s.SigningPrivate)
		}
		its := maps.Keys(s.MessageKeys)
		slices.Sort(its)
		for _, it := range its {
			var kb []byte
			kb = wire.AppendVarint(kb, 1, uint64(it))
			kb = wire.AppendBytes(kb, 2, s.MessageKeys[it])
			sb = wire.AppendBytes(sb, 6, kb)
		}
		b = wire.AppendBytes(b, 1, sb)
	}
	return b
}

func UnmarshalRecord(b []byte) (*Record, error) {
	r := &Record{}
	err := wire.Walk(b, func(f wire.Field) error {
		if f.Num != 1 {
			return nil
		}
		s := &State{MessageKeys: map[uint32][]byte{}}
		if err := wire.Walk(f.Bytes, func(sf wire.Field) error {
			switch sf.Num {
			case 1:
				s.KeyID = uint32(sf.Varint)
			case 2:
				s.Iteration = uint32(sf.Varint)
			case 3:
				s.ChainKey = wire.Clone(sf.Bytes)
			case 4:
				s.SigningPublic = wire.Clone(sf.Bytes)
			case 5:
				s.SigningPrivate = wire.Clone(sf.Bytes)
			case 6:
				var it uint32
				var key []byte
				if err := wire.Walk(sf.Bytes, func(kf wire.Field) error {
					switch kf.Num {
					case 1:
						it = uint32(kf.Varint)
					case 2:
						key = wire.Clone(kf.Bytes)
					}
					return nil
				}); err != nil {
					return err
				}
				s.MessageKeys[it] = key
			}
			return nil
		}); err != nil {
			return err
		}
		r.States = append(r.States, s)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("senderkey: error decoding record: %w", err)
	}
	return r, nil
}

// Store persists sender-key records. LoadSenderKey returns an empty record for unknown names.
type Store interface {
	LoadSenderKey(name SenderKeyName) (*Record, error)
	StoreSenderKey(name SenderKeyName, rec *Record) error
}
