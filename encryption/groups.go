package encryption

import (
	"errors"

	"github.com/meow-io/go-e2e/jid"
	"github.com/meow-io/go-e2e/node"
	"golang.org/x/exp/slices"
)

var errNoParticipants = errors.New("encryption: group result has no participants")

// groupParticipants asks the server for the members of group, leaving out ourselves.
func (l *Layer) groupParticipants(group string) ([]string, error) {
	iq := node.New("iq", map[string]string{"xmlns": "w:g2", "type": "get", "to": jid.Normalize(group)},
		node.New("query", map[string]string{"request": "interactive"}))
	resp, err := l.request(iq)
	if err != nil {
		return nil, err
	}
	g := resp.Child("group")
	if g == nil {
		g = resp
	}
	var members []string
	for _, p := range g.ChildrenByTag("participant") {
		m := jid.Denormalize(p.Get("jid"))
		if m == "" || m == l.self || slices.Contains(members, m) {
			continue
		}
		members = append(members, m)
	}
	if len(members) == 0 {
		return nil, errNoParticipants
	}
	slices.Sort(members)
	return members, nil
}
