// This package defines the id types used through out the stack: random 16 byte values and
// protocol message ids of the form "<unix seconds>-<counter>".
package ids

import (
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/meow-io/go-e2e/clock"
)

type ID [16]byte

func IDFromBytes(b []byte) ID {
	return [16]byte(b)
}

func NewID() ID {
	var id [16]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// MessageIDs hands out message ids unique to this process.
type MessageIDs struct {
	clock   clock.Clock
	counter atomic.Uint64
}

func NewMessageIDs(cl clock.Clock) *MessageIDs {
	return &MessageIDs{clock: cl}
}

func (m *MessageIDs) Next() string {
	return fmt.Sprintf("%d-%d", m.clock.CurrentTimeSec(), m.counter.Add(1))
}
