package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 128-bit id rendered as prefix_<32 hex chars>, or
// bare hex when prefix is empty. Broadcast events use the "evt" prefix.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	if prefix == "" {
		return hex.EncodeToString(buf)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
