package encryption

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/meow-io/go-e2e/jid"
	"github.com/meow-io/go-e2e/node"
	"github.com/meow-io/go-e2e/ratchet"
)

const envelopeVersion = 2

type envelopeKind int

const (
	kindPreKey envelopeKind = iota + 1
	kindWhisper
	kindSenderKey
)

var kindTypes = map[envelopeKind]string{
	kindPreKey:    "pkmsg",
	kindWhisper:   "msg",
	kindSenderKey: "skmsg",
}

func (k envelopeKind) String() string {
	if t, ok := kindTypes[k]; ok {
		return t
	}
	return "unknown"
}

var (
	errNoEnvelope      = errors.New("encryption: node carries no envelope")
	errUnknownEnvelope = errors.New("encryption: unknown envelope type")
)

type envelope struct {
	kind       envelopeKind
	version    int
	ciphertext []byte
	mediaType  string
	// target is set on per-recipient envelopes of a group send.
	target string
}

func envelopeFor(m *ratchet.CiphertextMessage) *envelope {
	e := &envelope{kind: kindWhisper, version: envelopeVersion, ciphertext: m.Serialized}
	if m.Type == ratchet.PreKeyType {
		e.kind = kindPreKey
	}
	return e
}

func (e *envelope) node() *node.Node {
	attrs := map[string]string{
		"v":    strconv.Itoa(e.version),
		"type": e.kind.String(),
	}
	if e.mediaType != "" {
		attrs["mediatype"] = e.mediaType
	}
	return node.NewData("enc", attrs, e.ciphertext)
}

func parseEnvelope(n *node.Node) (*envelope, error) {
	e := &envelope{ciphertext: n.Data, mediaType: n.Get("mediatype")}
	for k, t := range kindTypes {
		if t == n.Get("type") {
			e.kind = k
		}
	}
	if e.kind == 0 {
		return nil, fmt.Errorf("%w: %q", errUnknownEnvelope, n.Get("type"))
	}
	v, err := strconv.Atoi(n.Get("v"))
	if err != nil {
		return nil, fmt.Errorf("encryption: bad envelope version %q: %w", n.Get("v"), err)
	}
	e.version = v
	return e, nil
}

func hasEnvelope(n *node.Node) bool {
	return n.Child("enc") != nil || n.Child("participants") != nil
}

// envelopes splits an inbound node into its 1:1 envelope, PREKEY preferred over WHISPER, and its
// SENDERKEY envelope. Either may be nil but not both.
func envelopes(n *node.Node) (direct, group *envelope, err error) {
	var whisper *envelope
	for _, c := range n.ChildrenByTag("enc") {
		e, err := parseEnvelope(c)
		if err != nil {
			return nil, nil, err
		}
		switch e.kind {
		case kindPreKey:
			if direct == nil {
				direct = e
			}
		case kindWhisper:
			if whisper == nil {
				whisper = e
			}
		case kindSenderKey:
			if group == nil {
				group = e
			}
		}
	}
	if direct == nil {
		direct = whisper
	}
	if direct == nil && group == nil {
		return nil, nil, errNoEnvelope
	}
	return direct, group, nil
}

// wrap builds the outbound node for plain. The broadcast envelope is a direct child and targeted
// envelopes are grouped under participants.
func wrap(plain *node.Node, broadcast *envelope, targeted []*envelope) *node.Node {
	out := node.New(plain.Tag, nil)
	for k, v := range plain.Attrs {
		out.Set(k, v)
	}
	out.Set("type", "text")
	if broadcast != nil {
		if broadcast.mediaType != "" {
			out.Set("type", "media")
		}
		out.AddChild(broadcast.node())
	}
	if len(targeted) == 0 {
		return out
	}
	if targeted[0].mediaType != "" {
		out.Set("type", "media")
	}
	if broadcast == nil && len(targeted) == 1 && targeted[0].target == "" {
		out.AddChild(targeted[0].node())
		return out
	}
	participants := node.New("participants", nil)
	for _, e := range targeted {
		participants.AddChild(node.New("to", map[string]string{"jid": jid.Normalize(e.target)}, e.node()))
	}
	out.AddChild(participants)
	return out
}
