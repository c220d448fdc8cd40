package util

import (
	"crypto/rand"
	"encoding/hex"
)

// idBytes keeps ids short enough for log lines while staying collision-safe
// at this system's volumes.
const idBytes = 12

// NewID returns a random identifier, prefixed like "doc_..." or "usr_..."
// so ids stay recognizable in logs and API payloads.
func NewID(prefix string) string {
	raw := make([]byte, idBytes)
	_, _ = rand.Read(raw)
	id := hex.EncodeToString(raw)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
