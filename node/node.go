// Package node defines the protocol tree node exchanged with the transport: a tag, string
// attributes, child nodes and an optional binary payload.
package node

import (
	"fmt"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Node struct {
	Tag      string
	Attrs    map[string]string
	Children []*Node
	Data     []byte
}

func New(tag string, attrs map[string]string, children ...*Node) *Node {
	if attrs == nil {
		attrs = map[string]string{}
	}
	return &Node{Tag: tag, Attrs: attrs, Children: children}
}

func NewData(tag string, attrs map[string]string, data []byte) *Node {
	n := New(tag, attrs)
	n.Data = data
	return n
}

// Get returns the attribute or "" when it is absent.
func (n *Node) Get(attr string) string {
	return n.Attrs[attr]
}

func (n *Node) Has(attr string) bool {
	_, ok := n.Attrs[attr]
	return ok
}

// Set assigns attr, removing it when value is empty.
func (n *Node) Set(attr, value string) {
	if n.Attrs == nil {
		n.Attrs = map[string]string{}
	}
	if value == "" {
		delete(n.Attrs, attr)
		return
	}
	n.Attrs[attr] = value
}

func (n *Node) Child(tag string) *Node {
	for _, c := range n.Children {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

func (n *Node) ChildrenByTag(tag string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}

func (n *Node) AddChild(c *Node) {
	n.Children = append(n.Children, c)
}

func (n *Node) RemoveChildren(tag string) {
	kept := n.Children[:0]
	for _, c := range n.Children {
		if c.Tag != tag {
			kept = append(kept, c)
		}
	}
	n.Children = kept
}

// Clone deep copies the node and its children.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := &Node{Tag: n.Tag, Attrs: maps.Clone(n.Attrs)}
	if c.Attrs == nil {
		c.Attrs = map[string]string{}
	}
	if n.Data != nil {
		c.Data = append([]byte{}, n.Data...)
	}
	for _, child := range n.Children {
		c.Children = append(c.Children, child.Clone())
	}
	return c
}

func (n *Node) String() string {
	var b strings.Builder
	n.write(&b, 0)
	return b.String()
}

func (n *Node) write(b *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	keys := maps.Keys(n.Attrs)
	slices.Sort(keys)
	fmt.Fprintf(b, "%s<%s", indent, n.Tag)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%q", k, n.Attrs[k])
	}
	if len(n.Children) == 0 && n.Data == nil {
		b.WriteString("/>\n")
		return
	}
	b.WriteString(">\n")
	if n.Data != nil {
		fmt.Fprintf(b, "%s  HEX:%x\n", indent, n.Data)
	}
	for _, c := range n.Children {
		c.write(b, depth+1)
	}
	fmt.Fprintf(b, "%s</%s>\n", indent, n.Tag)
}
