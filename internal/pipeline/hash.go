package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex returns the lowercase hex SHA-256 digest of s, used
// wherever a stage needs a deterministic, content-addressed id (owner
// keys, cluster ids, AI input hashes).
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
