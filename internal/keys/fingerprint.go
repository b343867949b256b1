package keys

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns a short hex fingerprint of a public identity key:
// SHA-256 truncated to 10 bytes. Rotation detection compares fingerprints,
// never full key material.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:10])
}
