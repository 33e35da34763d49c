package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier tagged with an entity prefix
// ("cnv" for canvases, "crd" for cards). 16 random bytes keeps ids
// unguessable even though they appear in event payloads.
func NewID(prefix string) string {
	raw := make([]byte, 16)
	_, _ = rand.Read(raw)
	id := hex.EncodeToString(raw)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
