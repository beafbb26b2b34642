package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 24-char hex identifier for domain entities (users,
// chats, messages, capsules). 96 random bits keeps collisions out of
// reach without the dashes a UUID would put into URLs.
func NewID() string {
	var buf [12]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
