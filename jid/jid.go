// Package jid converts between wire addresses ("user@server") and the bare peer ids used as
// session, group and queue keys.
package jid

import "strings"

const (
	UserServer  = "s.whatsapp.net"
	GroupServer = "g.us"
)

// Normalize returns the full wire address for a bare peer id. Ids containing a '-' are groups.
func Normalize(id string) string {
	if strings.Contains(id, "@") {
		return id
	}
	if IsGroup(id) {
		return id + "@" + GroupServer
	}
	return id + "@" + UserServer
}

// Denormalize strips the server and any resource or device suffix from an address.
func Denormalize(address string) string {
	user, _, _ := strings.Cut(address, "@")
	user, _, _ = strings.Cut(user, "/")
	user, _, _ = strings.Cut(user, ":")
	return user
}

func IsGroup(id string) bool {
	return strings.Contains(Denormalize(id), "-") || strings.HasSuffix(id, "@"+GroupServer)
}
