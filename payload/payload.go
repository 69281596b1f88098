// Package payload encodes the plaintext carried inside every envelope: a protobuf message with at
// most one body variant and an optional sender-key distribution.
package payload

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-e2e/internal/wire"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	Conversation  = "conversation"
	ExtendedText  = "extended_text_message"
	Image         = "image_message"
	Contact       = "contact_message"
	Location      = "location_message"
	Document      = "document_message"
	Audio         = "audio_message"
	Video         = "video_message"
	ContactsArray = "contacts_array_message"

	fieldSenderKeyDistribution = 2

	fieldDistributionGroupID = 1
	fieldDistributionMessage = 2
)

var bodyFields = map[string]protowire.Number{
	Conversation:  1,
	Image:         3,
	Contact:       4,
	Location:      5,
	ExtendedText:  6,
	Document:      7,
	Audio:         8,
	Video:         9,
	ContactsArray: 13,
}

var bodyTypes = func() map[protowire.Number]string {
	m := make(map[protowire.Number]string, len(bodyFields))
	for t, n := range bodyFields {
		m[n] = t
	}
	return m
}()

var (
	ErrEmpty            = errors.New("payload: empty message")
	ErrUnknownBody      = errors.New("payload: unknown body type")
	ErrMultipleVariants = errors.New("payload: more than one body variant")
)

// Body is one populated body variant. Data is the UTF-8 text for conversation bodies and the
// serialized sub-message for every other variant.
type Body struct {
	Type string
	Data []byte
}

type SenderKeyDistribution struct {
	GroupID      string
	Distribution []byte
}

type Message struct {
	Body                  *Body
	SenderKeyDistribution *SenderKeyDistribution
}

func KnownBody(t string) bool {
	_, ok := bodyFields[t]
	return ok
}

// IsMedia reports whether a body type is sent as a media message.
func IsMedia(t string) bool {
	return t != Conversation && t != ExtendedText
}

func Marshal(m *Message) ([]byte, error) {
	if m.Body == nil && m.SenderKeyDistribution == nil {
		return nil, ErrEmpty
	}
	var b []byte
	if m.Body != nil {
		num, ok := bodyFields[m.Body.Type]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBody, m.Body.Type)
		}
		b = wire.AppendBytes(b, num, m.Body.Data)
	}
	if d := m.SenderKeyDistribution; d != nil {
		var inner []byte
		inner = wire.AppendString(inner, fieldDistributionGroupID, d.GroupID)
		inner = wire.AppendBytes(inner, fieldDistributionMessage, d.Distribution)
		b = wire.AppendBytes(b, fieldSenderKeyDistribution, inner)
	}
	return b, nil
}

// Unmarshal rejects payloads with neither a body nor a distribution and payloads with two bodies.
func Unmarshal(b []byte) (*Message, error) {
	m := &Message{}
	if err := wire.Walk(b, func(f wire.Field) error {
		if f.Type != protowire.BytesType {
			return nil
		}
		if f.Num == fieldSenderKeyDistribution {
			d := &SenderKeyDistribution{}
			if err := wire.Walk(f.Bytes, func(df wire.Field) error {
				switch df.Num {
				case fieldDistributionGroupID:
					d.GroupID = string(df.Bytes)
				case fieldDistributionMessage:
					d.Distribution = wire.Clone(df.Bytes)
				}
				return nil
			}); err != nil {
				return err
			}
			m.SenderKeyDistribution = d
			return nil
		}
		t, ok := bodyTypes[f.Num]
		if !ok {
			return nil
		}
		if m.Body != nil {
			return ErrMultipleVariants
		}
		m.Body = &Body{Type: t, Data: wire.Clone(f.Bytes)}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("payload: error decoding: %w", err)
	}
	if m.Body == nil && m.SenderKeyDistribution == nil {
		return nil, ErrEmpty
	}
	return m, nil
}
