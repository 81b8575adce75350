// Package idgen mints random identifiers for snapshots, alerts, and
// emitted events.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix followed by 24 random hex characters, e.g.
// WithPrefix("snap_") gives "snap_a3f9...". IDs are unique with
// overwhelming probability; collisions would need 2^48 draws.
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
