package masumi

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashResult returns the hex SHA-256 digest submitted as a job's resultHash.
func HashResult(result []byte) string {
	sum := sha256.Sum256(result)
	return hex.EncodeToString(sum[:])
}
