// Copyright 2024-2026 Aiku AI

package connector

import (
	"strings"
)

// DirectServer is the address suffix of one-to-one chats.
const DirectServer = "s.whatsapp.net"

// LIDServer is the address suffix of chats addressed by hidden user id.
const LIDServer = "lid"

const directSuffix = "@" + DirectServer

// ParseAddress splits a network address into its user and server parts.
// A device suffix ("user:12@server") is dropped from the user part.
func ParseAddress(addr string) (user, server string) {
	user, server, _ = strings.Cut(addr, "@")
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user, server
}

// IsDirectAddress reports whether addr is a one-to-one chat addressed by
// phone number. Groups, broadcasts, newsletters and lid addresses are not.
func IsDirectAddress(addr string) bool {
	return strings.HasSuffix(addr, directSuffix)
}

// IsLIDAddress reports whether addr is a one-to-one chat addressed by hidden
// user id.
func IsLIDAddress(addr string) bool {
	return strings.HasSuffix(addr, "@"+LIDServer)
}

// NormalizeSender returns the bare phone number of a chat address.
func NormalizeSender(addr string) string {
	user, _ := ParseAddress(addr)
	return user
}

// MakeDirectAddress builds the chat address for a phone number.
func MakeDirectAddress(phone string) string {
	return phone + directSuffix
}
