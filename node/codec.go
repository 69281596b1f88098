package node

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-e2e/internal/wire"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	fieldTag   = 1
	fieldAttr  = 2
	fieldChild = 3
	fieldData  = 4

	fieldAttrKey   = 1
	fieldAttrValue = 2
)

// Marshal encodes n deterministically, attributes sorted by key.
func Marshal(n *Node) []byte {
	var b []byte
	b = wire.AppendString(b, fieldTag, n.Tag)
	keys := maps.Keys(n.Attrs)
	slices.Sort(keys)
	for _, k := range keys {
		var attr []byte
		attr = wire.AppendString(attr, fieldAttrKey, k)
		attr = wire.AppendString(attr, fieldAttrValue, n.Attrs[k])
		b = wire.AppendBytes(b, fieldAttr, attr)
	}
	for _, c := range n.Children {
		b = wire.AppendBytes(b, fieldChild, Marshal(c))
	}
	if n.Data != nil {
		b = wire.AppendBytes(b, fieldData, n.Data)
	}
	return b
}

func Unmarshal(b []byte) (*Node, error) {
	n := New("", nil)
	if err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case fieldTag:
			n.Tag = string(f.Bytes)
		case fieldAttr:
			var k, v string
			if err := wire.Walk(f.Bytes, func(af wire.Field) error {
				switch af.Num {
				case fieldAttrKey:
					k = string(af.Bytes)
				case fieldAttrValue:
					v = string(af.Bytes)
				}
				return nil
			}); err != nil {
				return err
			}
			n.Attrs[k] = v
		case fieldChild:
			c, err := Unmarshal(f.Bytes)
			if err != nil {
				return err
			}
			n.Children = append(n.Children, c)
		case fieldData:
			n.Data = wire.Clone(f.Bytes)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("node: error decoding: %w", err)
	}
	if n.Tag == "" {
		return nil, errors.New("node: missing tag")
	}
	return n, nil
}
